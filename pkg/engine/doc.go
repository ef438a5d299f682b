// Package engine provides the phase-gated reconciliation engine for phasegate.
//
// # Overview
//
// A workflow is a fixed set of phases. Each phase lists the phases it depends
// on and an ordered list of reconcilers. A phase moves through:
//
//	Pending --RunPhase--> Running --> Complete | Failed
//
// and only returns to Pending through Reset or ResetAll.
//
// # Reconciliation
//
// Every reconciler converges one resource to "present":
//
//  1. exists - if the command exits 0 and its output carries the presence
//     marker, the result is AlreadyPresent and nothing is created
//  2. create - exit 0 is Created; a non-zero exit whose output carries an
//     idempotency marker for the resource kind is AlreadyPresent
//  3. verify - optional, polled with bounded exponential back-off; exceeding
//     the bound is a PROPAGATION_TIMEOUT failure
//
// Permission markers always win over idempotency markers: a permission
// failure is never treated as success.
//
// # Values
//
// Command arguments, keys and parameters are text/template strings. They see
// the caller inputs and every value produced by completed phases or by earlier
// reconcilers in the same phase:
//
//	{{ .Values.project_id }}
//	{{ .Params.account_id }}@{{ .Values.project_id }}.iam.gserviceaccount.com
//
// Produced values are derived with a template or a jq expression over the JSON
// output of the command that established presence.
//
// # Errors
//
// RunPhase returns a Go error only for precondition, unknown phase and
// persistence failures. Reconciler failures mark the phase Failed and are
// reported through ProvisioningState.Error, classified by code:
//
//	if state.Error != nil && !state.Error.RetrySafe {
//	    // operator action required, see state.Error.Guidance
//	}
//
// # Thread Safety
//
// Engine methods are serialised by a mutex. Returned states are deep copies.
package engine
