package digest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultLockTimeout is how long a lock may be held before it counts as
// stale and becomes eligible for takeover.
const DefaultLockTimeout = 300 * time.Second

// ErrLockHeld is returned when another live owner holds the lock.
var ErrLockHeld = fmt.Errorf("digest lock held by another owner")

// lockBody is the JSON persisted inside the lock file.
type lockBody struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	TimeoutS   int       `json:"timeout_s"`
}

// Lock is a file-based advisory lock. Fresh acquisition uses an
// exclusive create; takeover of a stale lock is serialized through a
// `.takeover` sentinel so two processes can never both win.
type Lock struct {
	path    string
	owner   string
	timeout time.Duration
	held    bool
}

func NewLock(path, owner string, timeout time.Duration) *Lock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Lock{path: path, owner: owner, timeout: timeout}
}

// Acquire takes the lock or returns ErrLockHeld. A stale lock (holder
// exceeded its own timeout) is taken over through the sentinel.
func (l *Lock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		l.held = true
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	body, err := l.read()
	if err != nil {
		// Unreadable lock file counts as held; the holder may be mid-write.
		return ErrLockHeld
	}

	timeout := time.Duration(body.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = l.timeout
	}
	if time.Since(body.AcquiredAt) < timeout {
		return ErrLockHeld
	}

	return l.takeover(body)
}

// takeover replaces a stale lock. Exactly one contender wins the
// exclusive sentinel create; everyone else backs off.
func (l *Lock) takeover(stale *lockBody) error {
	sentinelPath := l.path + ".takeover"
	sentinel, err := os.OpenFile(sentinelPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLockHeld
		}
		return fmt.Errorf("failed to create takeover sentinel: %w", err)
	}
	sentinel.Close()
	defer os.Remove(sentinelPath)

	// Re-check under the sentinel: the stale holder may have released or
	// refreshed between our read and the sentinel create.
	current, err := l.read()
	if err == nil && !current.AcquiredAt.Equal(stale.AcquiredAt) {
		return ErrLockHeld
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}
	if err := l.tryCreate(); err != nil {
		return ErrLockHeld
	}

	slog.Warn("Took over stale digest lock",
		"previous_owner", stale.Owner, "previous_pid", stale.PID,
		"stale_for", time.Since(stale.AcquiredAt).Round(time.Second))
	l.held = true
	return nil
}

func (l *Lock) tryCreate() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	body := lockBody{
		Owner:      l.owner,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
		TimeoutS:   int(l.timeout.Seconds()),
	}
	data, err := json.Marshal(body)
	if err != nil {
		file.Close()
		os.Remove(l.path)
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(l.path)
		return err
	}
	return file.Close()
}

func (l *Lock) read() (*lockBody, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var body lockBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Release drops the lock if held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Status describes the lock for the runtime API without acquiring it.
func (l *Lock) Status() LockStatus {
	body, err := l.read()
	if err != nil {
		return LockStatus{Status: "FREE", TimeoutS: int(l.timeout.Seconds())}
	}

	timeout := time.Duration(body.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = l.timeout
	}
	return LockStatus{
		Status:   "LOCKED",
		Owner:    body.Owner,
		Since:    body.AcquiredAt,
		TimeoutS: body.TimeoutS,
		Stale:    time.Since(body.AcquiredAt) >= timeout,
	}
}

// LockStatus is the runtime API view of the lock.
type LockStatus struct {
	Status   string    `json:"status"`
	Owner    string    `json:"owner,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	TimeoutS int       `json:"timeout_s"`
	Stale    bool      `json:"stale"`
}
