package federation

import (
	"testing"

	"commune/pkg/store"
)

func TestAnalyzeConflicts_LargerLocalKeepsName(t *testing.T) {
	local := []LocalChannel{{ID: "chan-1", Name: "general", Users: 80}}
	remote := []DiscoveryChannel{{ID: "r-1", Name: "general", Users: 20}}

	conflicts := AnalyzeConflicts(local, remote)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}

	c := conflicts[0]
	if c.Resolution != store.ResolutionRenameRemote {
		t.Errorf("expected rename_remote, got %s", c.Resolution)
	}
	if c.SuggestedName != "general-federated" {
		t.Errorf("expected suggested name general-federated, got %q", c.SuggestedName)
	}
	if c.LocalUsers != 80 || c.RemoteUsers != 20 {
		t.Errorf("user counts not carried: local=%d remote=%d", c.LocalUsers, c.RemoteUsers)
	}
}

func TestAnalyzeConflicts_SmallerLocalRenames(t *testing.T) {
	local := []LocalChannel{{ID: "chan-1", Name: "general", Users: 20}}
	remote := []DiscoveryChannel{{ID: "r-1", Name: "general", Users: 80}}

	conflicts := AnalyzeConflicts(local, remote)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != store.ResolutionRenameLocal {
		t.Errorf("expected rename_local, got %s", conflicts[0].Resolution)
	}
	if conflicts[0].SuggestedName != "general-local" {
		t.Errorf("expected suggested name general-local, got %q", conflicts[0].SuggestedName)
	}
}

func TestAnalyzeConflicts_TieKeepsLocalName(t *testing.T) {
	local := []LocalChannel{{ID: "chan-1", Name: "general", Users: 50}}
	remote := []DiscoveryChannel{{ID: "r-1", Name: "general", Users: 50}}

	conflicts := AnalyzeConflicts(local, remote)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != store.ResolutionRenameRemote {
		t.Errorf("tie should favor the local name, got %s", conflicts[0].Resolution)
	}
}

func TestAnalyzeConflicts_CaseInsensitive(t *testing.T) {
	local := []LocalChannel{{ID: "chan-1", Name: "General", Users: 10}}
	remote := []DiscoveryChannel{{ID: "r-1", Name: "gEnErAl", Users: 5}}

	if conflicts := AnalyzeConflicts(local, remote); len(conflicts) != 1 {
		t.Fatalf("case-insensitive collision not detected, got %d conflicts", len(conflicts))
	}
}

func TestAnalyzeConflicts_SkipsPrivateAndDistinct(t *testing.T) {
	local := []LocalChannel{
		{ID: "chan-1", Name: "staff", Users: 5, Private: true},
		{ID: "chan-2", Name: "gaming", Users: 30},
	}
	remote := []DiscoveryChannel{
		{ID: "r-1", Name: "staff", Users: 9},
		{ID: "r-2", Name: "music", Users: 12},
	}

	if conflicts := AnalyzeConflicts(local, remote); len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(conflicts))
	}
}

func TestMirrorConflicts(t *testing.T) {
	conflicts := []store.ChannelConflict{{
		ChannelName:     "general",
		LocalChannelID:  "chan-1",
		RemoteChannelID: "r-1",
		LocalUsers:      80,
		RemoteUsers:     20,
		Resolution:      store.ResolutionRenameRemote,
		SuggestedName:   "general-federated",
	}}

	mirrored := MirrorConflicts(conflicts)
	if len(mirrored) != 1 {
		t.Fatalf("expected 1 mirrored conflict, got %d", len(mirrored))
	}

	m := mirrored[0]
	if m.LocalChannelID != "r-1" || m.RemoteChannelID != "chan-1" {
		t.Errorf("channel IDs not swapped: local=%q remote=%q", m.LocalChannelID, m.RemoteChannelID)
	}
	if m.LocalUsers != 20 || m.RemoteUsers != 80 {
		t.Errorf("user counts not swapped: local=%d remote=%d", m.LocalUsers, m.RemoteUsers)
	}
	if m.Resolution != store.ResolutionRenameLocal {
		t.Errorf("resolution not flipped, got %s", m.Resolution)
	}
	if m.SuggestedName != "general-local" {
		t.Errorf("expected suggested name general-local, got %q", m.SuggestedName)
	}

	// Mirroring twice restores the original perspective.
	back := MirrorConflicts(mirrored)
	if back[0].Resolution != store.ResolutionRenameRemote || back[0].LocalChannelID != "chan-1" {
		t.Errorf("double mirror did not round-trip: %+v", back[0])
	}
}
