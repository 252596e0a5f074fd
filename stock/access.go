package stock

import (
	"fmt"
	"slices"
)

// =============================================================================
// CAPABILITIES - Explicit permission checks passed into every operation
// =============================================================================

type Capability string

const (
	CapItemRead       Capability = "item:read"
	CapItemWrite      Capability = "item:write"
	CapWarehouseRead  Capability = "warehouse:read"
	CapWarehouseWrite Capability = "warehouse:write"
	CapEntryRead      Capability = "entry:read"
	CapEntryWrite     Capability = "entry:write"
	CapEntrySubmit    Capability = "entry:submit"
	CapEntryCancel    Capability = "entry:cancel"
	CapReportRead     Capability = "report:read"
)

type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleStockUser     Role = "Stock User"
	RoleGuest         Role = "Guest"
)

var roleCapabilities = map[Role][]Capability{
	RoleAdministrator: {
		CapItemRead, CapItemWrite, CapWarehouseRead, CapWarehouseWrite,
		CapEntryRead, CapEntryWrite, CapEntrySubmit, CapEntryCancel, CapReportRead,
	},
	RoleStockUser: {
		CapItemRead, CapWarehouseRead,
		CapEntryRead, CapEntryWrite, CapEntrySubmit, CapEntryCancel, CapReportRead,
	},
	// Guests may browse items and nothing else.
	RoleGuest: {CapItemRead},
}

// Actor is the caller of an operation. It is never read from ambient state.
type Actor struct {
	ID           string
	Role         Role
	Capabilities []Capability
}

// ActorForRole builds an Actor with the capabilities of a known role.
// Unknown roles get no capabilities.
func ActorForRole(id string, role Role) Actor {
	return Actor{ID: id, Role: role, Capabilities: slices.Clone(roleCapabilities[role])}
}

// SystemActor is used for seeding and scenarios.
func SystemActor() Actor { return ActorForRole("system", RoleAdministrator) }

func (a Actor) Can(c Capability) bool { return slices.Contains(a.Capabilities, c) }

// Require returns an error wrapping ErrForbidden when the capability is missing.
func (a Actor) Require(c Capability) error {
	if a.Can(c) {
		return nil
	}
	who := a.ID
	if who == "" {
		who = "anonymous"
	}
	return fmt.Errorf("%w: %s lacks %s", ErrForbidden, who, c)
}
