package notifications

import "errors"

var (
	// ErrNotificationNotFound is returned when a notification does not exist for the recipient.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrPreferencesNotFound is returned by a PreferenceStorage when no record exists.
	// The manager never surfaces it: absence resolves to DefaultPreferences.
	ErrPreferencesNotFound = errors.New("notification preferences not found")

	// ErrPreferenceUnavailable marks a failed preference read. Creation fails open on it.
	ErrPreferenceUnavailable = errors.New("notification preferences unavailable")

	// ErrInvalidPreferenceUpdate wraps validation failures of a preferences update.
	ErrInvalidPreferenceUpdate = errors.New("invalid notification preferences update")

	// ErrStoreWrite wraps failures of the delivery store on the write path.
	ErrStoreWrite = errors.New("failed to store notification")

	// ErrPublish wraps real-time publish failures. It is logged, never returned by Create.
	ErrPublish = errors.New("failed to publish notification")

	// ErrInvalidInput is returned for an empty recipient, unknown category or invalid priority.
	ErrInvalidInput = errors.New("invalid notification input")

	// ErrInvalidPolicy is returned when a policy table or overrides file is inconsistent.
	ErrInvalidPolicy = errors.New("invalid notification policy")

	// ErrBatcherClosed is returned by Enqueue after the batcher was closed.
	ErrBatcherClosed = errors.New("batcher is closed")

	// ErrNotBatchable is returned by Enqueue for categories whose policy does not batch.
	ErrNotBatchable = errors.New("category does not batch")

	// ErrHubClosed is returned by Subscribe after the hub was closed.
	ErrHubClosed = errors.New("notification hub is closed")

	// ErrSweeperRunning is returned by Sweeper.Run when the sweeper is already running.
	ErrSweeperRunning = errors.New("sweeper is already running")
)
