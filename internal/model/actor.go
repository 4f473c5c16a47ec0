package model

import (
	"fmt"
	"strings"
)

// ActorRole is the ebIX/CIM market role code of a participant.
type ActorRole string

const (
	RoleGridOperator            ActorRole = "DDM"
	RoleEnergySupplier          ActorRole = "DDQ"
	RoleBalanceResponsibleParty ActorRole = "DDK"
	RoleMeteredDataResponsible  ActorRole = "MDR"
	RoleSystemOperator          ActorRole = "EZ"
	RoleDataHubAdministrator    ActorRole = "DGL"
)

var knownRoles = map[ActorRole]struct{}{
	RoleGridOperator:            {},
	RoleEnergySupplier:          {},
	RoleBalanceResponsibleParty: {},
	RoleMeteredDataResponsible:  {},
	RoleSystemOperator:          {},
	RoleDataHubAdministrator:    {},
}

// ParseActorRole accepts a role code case-insensitively.
func ParseActorRole(raw string) (ActorRole, error) {
	role := ActorRole(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownRoles[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownActorRole, raw)
	}
	return role, nil
}

// Receiver identifies the actor a message queue belongs to.
type Receiver struct {
	Number string    `json:"number" validate:"required,numeric,min=13,max=16"`
	Role   ActorRole `json:"role" validate:"required"`
}

func (r Receiver) String() string { return r.Number + "/" + string(r.Role) }
