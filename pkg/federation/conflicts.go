package federation

import (
	"strings"

	"commune/pkg/store"
)

// AnalyzeConflicts detects case-insensitive channel-name collisions
// between this server's channels and a prospective peer's advertised
// list. The resolution is a suggestion for the human approver: the
// channel with more users keeps its name, the smaller side gets a
// rename suggestion. Ties keep the local name. Private local channels
// never participate in federation and are skipped.
func AnalyzeConflicts(local []LocalChannel, remote []DiscoveryChannel) []store.ChannelConflict {
	remoteByName := make(map[string]DiscoveryChannel, len(remote))
	for _, rc := range remote {
		remoteByName[strings.ToLower(rc.Name)] = rc
	}

	conflicts := make([]store.ChannelConflict, 0)
	for _, lc := range local {
		if lc.Private {
			continue
		}
		rc, ok := remoteByName[strings.ToLower(lc.Name)]
		if !ok {
			continue
		}

		conflict := store.ChannelConflict{
			ChannelName:     lc.Name,
			LocalChannelID:  lc.ID,
			RemoteChannelID: rc.ID,
			LocalUsers:      lc.Users,
			RemoteUsers:     rc.Users,
		}
		if lc.Users >= rc.Users {
			conflict.Resolution = store.ResolutionRenameRemote
			conflict.SuggestedName = lc.Name + "-federated"
		} else {
			conflict.Resolution = store.ResolutionRenameLocal
			conflict.SuggestedName = lc.Name + "-local"
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts
}

// MirrorConflicts re-expresses a conflict list from the other side's
// perspective: local and remote swap, and the resolution flips. A
// requester's rename_remote ("your channel gets renamed as seen here")
// is the receiver's rename_local.
func MirrorConflicts(conflicts []store.ChannelConflict) []store.ChannelConflict {
	mirrored := make([]store.ChannelConflict, 0, len(conflicts))
	for _, c := range conflicts {
		m := store.ChannelConflict{
			ChannelName:     c.ChannelName,
			LocalChannelID:  c.RemoteChannelID,
			RemoteChannelID: c.LocalChannelID,
			LocalUsers:      c.RemoteUsers,
			RemoteUsers:     c.LocalUsers,
		}
		switch c.Resolution {
		case store.ResolutionRenameRemote:
			m.Resolution = store.ResolutionRenameLocal
			m.SuggestedName = c.ChannelName + "-local"
		case store.ResolutionRenameLocal:
			m.Resolution = store.ResolutionRenameRemote
			m.SuggestedName = c.ChannelName + "-federated"
		default:
			// keep is symmetric, nothing flips.
			m.Resolution = c.Resolution
			m.SuggestedName = c.SuggestedName
		}
		mirrored = append(mirrored, m)
	}
	return mirrored
}
