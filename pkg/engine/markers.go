package engine

import "strings"

// Signal is what a command's output says about the resource beyond its exit code.
type Signal int

const (
	// SignalNone means no recognised marker was found.
	SignalNone Signal = iota

	// SignalAlreadyExists means the failure is a no-op because the resource exists.
	SignalAlreadyExists

	// SignalPermissionDenied means the caller lacks permissions. It is never
	// treated as success.
	SignalPermissionDenied
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case SignalAlreadyExists:
		return "already_exists"
	case SignalPermissionDenied:
		return "permission_denied"
	default:
		return "none"
	}
}

// markerTable lists the recognised substrings for one resource kind. Matching
// is case-insensitive.
type markerTable struct {
	alreadyExists    []string
	permissionDenied []string
}

var defaultPermissionMarkers = []string{
	"permission_denied",
	"permission denied",
	"does not have permission",
	"http 403",
	"error 403",
	"forbidden",
	"resource not accessible by integration",
	"requires one of the following scopes",
}

var defaultAlreadyExistsMarkers = []string{
	"already exists",
	"already_exists",
	"conflict",
}

// markerTables is the only place that knows vendor message formats. A CLI
// wording change is fixed here.
var markerTables = map[ResourceKind]markerTable{
	KindServiceAccount: {
		alreadyExists: []string{"already exists", "already_exists"},
	},
	KindIdentityPool: {
		alreadyExists: []string{"already exists", "already_exists", "requested entity already exists"},
	},
	KindIdentityProvider: {
		alreadyExists: []string{"already exists", "already_exists", "requested entity already exists"},
	},
	KindIAMBinding: {
		// "conflict" here means concurrent policy edits, which must be retried.
		alreadyExists: []string{"already has role", "already exists"},
	},
	KindArtifactRepository: {
		alreadyExists: []string{"already exists", "already_exists"},
	},
	KindServiceAPI: {
		alreadyExists: []string{"already enabled", "already exists"},
	},
	KindRemoteSecret: {
		alreadyExists: []string{"already exists"},
	},
	KindAuthSession: {
		permissionDenied: []string{"not logged in", "you are not logged into any github hosts"},
	},
}

func tableFor(kind ResourceKind) markerTable {
	t, ok := markerTables[kind]
	if !ok {
		return markerTable{alreadyExists: defaultAlreadyExistsMarkers, permissionDenied: defaultPermissionMarkers}
	}
	if t.alreadyExists == nil {
		t.alreadyExists = defaultAlreadyExistsMarkers
	}
	t.permissionDenied = append(append([]string{}, defaultPermissionMarkers...), t.permissionDenied...)
	return t
}

// Classify inspects command output for the markers of kind plus any extra
// idempotency markers. Permission markers take precedence.
func Classify(kind ResourceKind, output string, extra ...string) Signal {
	if output == "" {
		return SignalNone
	}
	lower := strings.ToLower(output)
	t := tableFor(kind)

	for _, m := range t.permissionDenied {
		if strings.Contains(lower, strings.ToLower(m)) {
			return SignalPermissionDenied
		}
	}
	for _, m := range t.alreadyExists {
		if strings.Contains(lower, strings.ToLower(m)) {
			return SignalAlreadyExists
		}
	}
	for _, m := range extra {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return SignalAlreadyExists
		}
	}
	return SignalNone
}
