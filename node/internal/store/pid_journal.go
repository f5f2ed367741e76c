// Package store keeps the node's crash-recovery state on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const pidPrefix = "pid:"

type pidEntry struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// PIDJournal records the pid of every spawned inference process in badger.
// A node that crashed leaves its processes running; the journal lets the
// next run find and kill them.
type PIDJournal struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenPIDJournal opens (or creates) the journal under dir.
func OpenPIDJournal(dir string, logger *zap.Logger) (*PIDJournal, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20).WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pid journal: %w", err)
	}
	return &PIDJournal{db: db, logger: logger}, nil
}

func (j *PIDJournal) Close() error {
	return j.db.Close()
}

func pidKey(sessionID string) []byte {
	return []byte(pidPrefix + sessionID)
}

// Record stores the pid of sessionID's process.
func (j *PIDJournal) Record(sessionID string, pid int) error {
	data, err := json.Marshal(pidEntry{SessionID: sessionID, PID: pid, StartedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pidKey(sessionID), data)
	})
}

// Remove forgets sessionID's process.
func (j *PIDJournal) Remove(sessionID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pidKey(sessionID))
	})
}

// Entries returns the journaled pids keyed by session id.
func (j *PIDJournal) Entries() (map[string]int, error) {
	out := make(map[string]int)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pidPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e pidEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return err
			}
			out[e.SessionID] = e.PID
		}
		return nil
	})
	return out, err
}

// Reap kills every journaled process that isOurs accepts and empties the
// journal. It returns the number of processes killed.
func (j *PIDJournal) Reap(isOurs func(pid int) bool, kill func(pid int) error) (int, error) {
	entries, err := j.Entries()
	if err != nil {
		return 0, err
	}

	killed := 0
	for sessionID, pid := range entries {
		if isOurs(pid) {
			if err := kill(pid); err != nil {
				j.logger.Warn("Failed to kill orphaned inference process",
					zap.String("session_id", sessionID),
					zap.Int("pid", pid),
					zap.Error(err))
			} else {
				killed++
				j.logger.Info("Killed orphaned inference process",
					zap.String("session_id", sessionID),
					zap.Int("pid", pid))
			}
		}
		if err := j.Remove(sessionID); err != nil {
			return killed, err
		}
	}
	return killed, nil
}

// ProcessMatches reports whether pid is alive and, where /proc is
// available, runs binary. Guards against killing a recycled pid.
func ProcessMatches(binary string) func(pid int) bool {
	name := filepath.Base(binary)
	return func(pid int) bool {
		if pid <= 0 || syscall.Kill(pid, 0) != nil {
			return false
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil {
			return true
		}
		return strings.Contains(string(cmdline), name)
	}
}

// KillProcess sends SIGKILL to pid.
func KillProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
