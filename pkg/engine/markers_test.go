package engine

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		kind     ResourceKind
		output   string
		extra    []string
		expected Signal
	}{
		{"empty output", KindServiceAccount, "", nil, SignalNone},
		{"gcloud already exists", KindServiceAccount, "ERROR: (gcloud.iam.service-accounts.create) ALREADY_EXISTS: Service account deployer already exists within project", nil, SignalAlreadyExists},
		{"pool already exists", KindIdentityPool, "ERROR: Requested entity already exists", nil, SignalAlreadyExists},
		{"permission denied", KindServiceAccount, "ERROR: PERMISSION_DENIED: Permission iam.serviceAccounts.create denied", nil, SignalPermissionDenied},
		{"github scopes", KindRemoteSecret, "HTTP 403: Resource not accessible by integration", nil, SignalPermissionDenied},
		{"permission beats already exists", KindServiceAccount, "already exists? permission denied", nil, SignalPermissionDenied},
		{"binding conflict is not success", KindIAMBinding, "ABORTED: conflict", nil, SignalNone},
		{"generic conflict is success", KindGeneric, "409 Conflict", nil, SignalAlreadyExists},
		{"service already enabled", KindServiceAPI, "Service run.googleapis.com is already enabled", nil, SignalAlreadyExists},
		{"gh not logged in", KindAuthSession, "You are not logged into any GitHub hosts. Run gh auth login to authenticate.", nil, SignalPermissionDenied},
		{"extra marker", KindArtifactRepository, "repository name taken", []string{"name taken"}, SignalAlreadyExists},
		{"unrelated failure", KindArtifactRepository, "invalid location", []string{""}, SignalNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.kind, tt.output, tt.extra...); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}
