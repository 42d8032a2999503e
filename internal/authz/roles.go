package authz

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

const (
	RoleAdmin    = "admin"
	RoleAtencion = "atencion"
	RoleCocinero = "cocinero"
	RoleCajero   = "cajero"
)

const (
	PermPedidosVer           Permission = "pedidos.ver"
	PermPedidosCrear         Permission = "pedidos.crear"
	PermPedidosConfirmar     Permission = "pedidos.confirmar"
	PermPedidosEditar        Permission = "pedidos.editar"
	PermProductosVer         Permission = "productos.ver"
	PermProductosEditar      Permission = "productos.editar"
	PermProveedoresGestionar Permission = "proveedores.gestionar"
	PermUsuariosGestionar    Permission = "usuarios.gestionar"
	PermCajasAbrir           Permission = "cajas.abrir"
	PermCajasCerrar          Permission = "cajas.cerrar"
	PermOfertasGestionar     Permission = "ofertas.gestionar"
	PermHorariosGestionar    Permission = "horarios.gestionar"
	PermChatUsar             Permission = "chat.usar"
	PermNotificacionesEnviar Permission = "notificaciones.enviar"
)

var (
	// ErrInvalidRoleTable is returned when a role configuration cannot be used.
	ErrInvalidRoleTable = errors.New("invalid role table")
)

// RoleTable maps role names to their permissions.
// It is built once at start up and never mutated afterwards.
type RoleTable struct {
	roles map[string][]Permission
}

// roleFile is the on-disk YAML shape of a role table.
type roleFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// NewRoleTable copies the given mapping into an immutable table.
func NewRoleTable(roles map[string][]Permission) (*RoleTable, error) {
	t := &RoleTable{roles: make(map[string][]Permission, len(roles))}

	for name, perms := range roles {
		if name == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrInvalidRoleTable)
		}
		for _, perm := range perms {
			if perm == "" {
				return nil, fmt.Errorf("%w: role %s has an empty permission", ErrInvalidRoleTable, name)
			}
		}

		cloned := slices.Clone(perms)
		slices.Sort(cloned)
		t.roles[name] = slices.Compact(cloned)
	}

	return t, nil
}

// LoadRoleTable reads a YAML role table from path.
func LoadRoleTable(path string) (*RoleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role table: %w", err)
	}

	var f roleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse role table: %w", err)
	}

	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("%w: no roles defined in %s", ErrInvalidRoleTable, path)
	}

	roles := make(map[string][]Permission, len(f.Roles))
	for name, perms := range f.Roles {
		converted := make([]Permission, len(perms))
		for i, perm := range perms {
			converted[i] = Permission(perm)
		}
		roles[name] = converted
	}

	return NewRoleTable(roles)
}

// DefaultRoleTable returns the built-in restaurant roles.
func DefaultRoleTable() *RoleTable {
	t, _ := NewRoleTable(map[string][]Permission{
		RoleSuperAdmin: {Wildcard},
		RoleAdmin: {
			PermPedidosVer,
			PermPedidosCrear,
			PermPedidosConfirmar,
			PermPedidosEditar,
			PermProductosVer,
			PermProductosEditar,
			PermProveedoresGestionar,
			PermUsuariosGestionar,
			PermCajasAbrir,
			PermCajasCerrar,
			PermOfertasGestionar,
			PermHorariosGestionar,
			PermChatUsar,
			PermNotificacionesEnviar,
		},
		RoleAtencion: {
			PermPedidosVer,
			PermPedidosCrear,
			PermPedidosConfirmar,
			PermProductosVer,
			PermChatUsar,
		},
		RoleCocinero: {
			PermPedidosVer,
			PermProductosVer,
			PermChatUsar,
		},
		RoleCajero: {
			PermPedidosVer,
			PermCajasAbrir,
			PermCajasCerrar,
			PermChatUsar,
		},
	})
	return t
}

// Roles returns the sorted role names.
func (t *RoleTable) Roles() []string {
	return slices.Sorted(maps.Keys(t.roles))
}

// Has returns true if the role is defined.
func (t *RoleTable) Has(role string) bool {
	_, ok := t.roles[role]
	return ok
}

// Permissions returns the sorted union of permissions granted by the roles.
// Unknown roles grant nothing.
func (t *RoleTable) Permissions(roles ...string) []Permission {
	var perms []Permission
	for _, role := range roles {
		perms = append(perms, t.roles[role]...)
	}

	slices.Sort(perms)
	return slices.Compact(perms)
}

// Principal builds a principal with permissions resolved from the table.
func (t *RoleTable) Principal(subject string, roles ...string) Principal {
	return Principal{
		Subject:     subject,
		Roles:       slices.Clone(roles),
		Permissions: t.Permissions(roles...),
	}
}
