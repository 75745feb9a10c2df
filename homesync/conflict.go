package homesync

import (
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type ConflictOutcome string

const (
	ConflictOutcomeServerWins ConflictOutcome = "ServerWins"
	ConflictOutcomeClientWins ConflictOutcome = "ClientWins"
	ConflictOutcomeMerged     ConflictOutcome = "Merged"
	ConflictOutcomeNeedsUser  ConflictOutcome = "NeedsUser"
)

// produced when a mutation's base version does not match the server's
// current version. retained until resolved.
type ConflictRecord struct {
	ConflictId    Id              `json:"conflict_id"`
	Mutation      *Mutation       `json:"mutation"`
	ServerFields  map[string]any  `json:"server_fields,omitempty"`
	ServerVersion EntityVersion   `json:"server_version"`
	ServerDeleted bool            `json:"server_deleted"`
	Outcome       ConflictOutcome `json:"outcome"`
	// fields where the server's concurrent value won over the local value
	OverriddenFields []string  `json:"overridden_fields,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (self *ConflictRecord) Copy() *ConflictRecord {
	out := *self
	out.Mutation = self.Mutation.Copy()
	out.ServerFields = copyFields(self.ServerFields)
	out.OverriddenFields = slices.Clone(self.OverriddenFields)
	return &out
}

type ResolutionAction string

const (
	// already converged with the server. nothing to send
	ResolutionActionConverged ResolutionAction = "Converged"
	// requeue exactly one corrective mutation at the server's version
	ResolutionActionRequeue ResolutionAction = "Requeue"
	// park for manual resolution
	ResolutionActionPark ResolutionAction = "Park"
)

type Resolution struct {
	Outcome ConflictOutcome
	Action  ResolutionAction

	// corrective mutation content, for Requeue
	Payload     map[string]any
	Seen        map[string]any
	BaseVersion EntityVersion

	OverriddenFields []string
	// merged view of the entity at the server's version, for the read model
	MergedFields map[string]any
}

type conflictCase struct {
	mutation      *Mutation
	serverFields  map[string]any
	serverVersion EntityVersion
	serverDeleted bool
}

type conflictRule struct {
	name    string
	match   func(c *conflictCase) bool
	resolve func(c *conflictCase) *Resolution
}

// fixed, documented policy. an ordered list of pattern-matched rules over
// (local operation, remote state), defaulting to NeedsUser, so new cases
// are additive. it never silently drops data: every path either requeues
// exactly one corrective mutation or parks the conflict.
type ConflictResolver struct {
	rules []*conflictRule
}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{
		rules: []*conflictRule{
			deleteDeleteRule(),
			deleteChangeRule(),
			updateUpdateRule(),
		},
	}
}

func (self *ConflictResolver) Resolve(mutation *Mutation, serverFields map[string]any, serverVersion EntityVersion, serverDeleted bool) *Resolution {
	c := &conflictCase{
		mutation:      mutation,
		serverFields:  serverFields,
		serverVersion: serverVersion,
		serverDeleted: serverDeleted,
	}
	for _, rule := range self.rules {
		if rule.match(c) {
			resolution := rule.resolve(c)
			glog.V(1).Infof("[cr]%s %s -> %s\n", rule.name, mutation.MutationId, resolution.Outcome)
			return resolution
		}
	}
	// anything not covered above is genuinely ambiguous
	glog.Infof("[cr]needs user %s %s\n", mutation.Operation, mutation.EntityKey())
	return &Resolution{
		Outcome: ConflictOutcomeNeedsUser,
		Action:  ResolutionActionPark,
	}
}

// two deletes raced. already converged, no error surfaced to either user.
func deleteDeleteRule() *conflictRule {
	return &conflictRule{
		name: "delete/delete",
		match: func(c *conflictCase) bool {
			return c.mutation.Operation == OperationDelete && c.serverDeleted
		},
		resolve: func(c *conflictCase) *Resolution {
			return &Resolution{
				Outcome: ConflictOutcomeServerWins,
				Action:  ResolutionActionConverged,
			}
		},
	}
}

// a delete that lost the race is honored by retry against the new base
// version. last-writer's-delete-intent wins.
func deleteChangeRule() *conflictRule {
	return &conflictRule{
		name: "delete/change",
		match: func(c *conflictCase) bool {
			return c.mutation.Operation == OperationDelete && !c.serverDeleted
		},
		resolve: func(c *conflictCase) *Resolution {
			return &Resolution{
				Outcome:     ConflictOutcomeClientWins,
				Action:      ResolutionActionRequeue,
				BaseVersion: c.serverVersion,
				Seen:        copyFields(c.serverFields),
			}
		},
	}
}

// field-level merge. for each field in the local payload, the local value
// applies only if the server's current value is unchanged from the value
// the client last observed (the seen snapshot). otherwise the server's
// value wins for that field and the field is recorded as overridden.
func updateUpdateRule() *conflictRule {
	return &conflictRule{
		name: "update/update",
		match: func(c *conflictCase) bool {
			return c.mutation.Operation == OperationUpdate && !c.serverDeleted
		},
		resolve: func(c *conflictCase) *Resolution {
			payload := map[string]any{}
			overridden := []string{}
			for field, localValue := range c.mutation.Payload {
				serverValue, serverHas := c.serverFields[field]
				seenValue, seenHas := c.mutation.Seen[field]
				if !serverHas || (seenHas && jsonEqual(serverValue, seenValue)) {
					payload[field] = localValue
				} else if jsonEqual(serverValue, localValue) {
					// both writers agree
					payload[field] = localValue
				} else {
					overridden = append(overridden, field)
				}
			}
			slices.Sort(overridden)

			merged := copyFields(c.serverFields)
			if merged == nil {
				merged = map[string]any{}
			}
			for field, value := range payload {
				merged[field] = value
			}

			if len(payload) == 0 {
				// every local field lost. converged with the server state,
				// but the overridden fields are still recorded for display
				return &Resolution{
					Outcome:          ConflictOutcomeMerged,
					Action:           ResolutionActionConverged,
					OverriddenFields: overridden,
					MergedFields:     merged,
				}
			}

			seen := map[string]any{}
			for field := range payload {
				if serverValue, ok := c.serverFields[field]; ok {
					seen[field] = serverValue
				}
			}

			return &Resolution{
				Outcome:          ConflictOutcomeMerged,
				Action:           ResolutionActionRequeue,
				Payload:          payload,
				Seen:             seen,
				BaseVersion:      c.serverVersion,
				OverriddenFields: overridden,
				MergedFields:     merged,
			}
		},
	}
}
