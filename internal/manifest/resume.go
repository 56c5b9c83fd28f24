package manifest

import "time"

// ResumeAction describes what the uploader should do with a freshly
// loaded manifest before it starts chunking.
type ResumeAction int

const (
	// ActionResumePending means a pending version already matches the
	// current file contents; continue filling in its chunk positions.
	ActionResumePending ResumeAction = iota
	// ActionNoop means the last completed version already matches the
	// current file contents; there is nothing to sync.
	ActionNoop
	// ActionNewVersion means neither of the above applied; a new
	// pending version has been appended (or a stale pending version
	// overwritten in place) and should be synced from scratch.
	ActionNewVersion
)

// PrepareVersion applies the three-way resume decision: if a pending
// version's file_hash matches the current file, resume into it;
// else if the last completed version matches, this is a no-op; else
// append a new pending version, or overwrite a stale pending version in
// place if one exists. It returns the action taken and the
// index into m.Versions of the relevant version (meaningless for
// ActionNoop).
func (m *Manifest) PrepareVersion(fileHash string, totalSize int64) (ResumeAction, int) {
	if pending := m.PendingVersion(); pending != nil {
		if pending.FileHash == fileHash {
			return ActionResumePending, len(m.Versions) - 1
		}
		if last := m.LastCompletedVersion(); last != nil && last.FileHash == fileHash {
			return ActionNoop, -1
		}
		// A pending version for different content means an earlier sync
		// of this same tracked file was abandoned mid-run and the file
		// has since changed underneath it. Its partial chunk positions
		// are unreachable from any completed version, so it is
		// overwritten in place rather than appended after, which would
		// leave two versions both satisfying "last" during the rewrite.
		idx := len(m.Versions) - 1
		m.Versions[idx] = Version{
			VersionNumber: pending.VersionNumber,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			FileHash:      fileHash,
			TotalSize:     totalSize,
			Status:        StatusPending,
			Chunks:        nil,
		}
		return ActionNewVersion, idx
	}

	if last := m.LastCompletedVersion(); last != nil && last.FileHash == fileHash {
		return ActionNoop, -1
	}

	v := Version{
		VersionNumber: len(m.Versions) + 1,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		FileHash:      fileHash,
		TotalSize:     totalSize,
		Status:        StatusPending,
		Chunks:        nil,
	}
	m.Versions = append(m.Versions, v)
	return ActionNewVersion, len(m.Versions) - 1
}
