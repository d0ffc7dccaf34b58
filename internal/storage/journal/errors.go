package journal

import "github.com/cockroachdb/errors"

// ErrCorruptedJournal indicates a journal file that cannot be decoded.
var ErrCorruptedJournal = errors.New("journal: file is corrupted")
