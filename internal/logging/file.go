package logging

import (
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const dayLayout = "2006-01-02"

// DailyFile is a log file that starts afresh every calendar day. Earlier
// days are kept beside it with a timestamp suffix and deleted after
// MaxAgeDays.
type DailyFile struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	day string
	now func() time.Time
}

// NewDailyFile returns a DailyFile writing to path. The file is opened on
// first write.
func NewDailyFile(path string, maxAgeDays int) *DailyFile {
	return &DailyFile{
		out: &lumberjack.Logger{
			Filename:  path,
			MaxAge:    maxAgeDays,
			LocalTime: true,
		},
		now: time.Now,
	}
}

// Write implements io.Writer.
func (f *DailyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	today := f.now().Format(dayLayout)
	if f.day == "" {
		// A file left by a run on an earlier day is rolled before reuse.
		if info, err := os.Stat(f.out.Filename); err == nil && info.ModTime().Format(dayLayout) != today {
			f.day = info.ModTime().Format(dayLayout)
		} else {
			f.day = today
		}
	}
	if today != f.day {
		if err := f.out.Rotate(); err != nil {
			return 0, err
		}
		f.day = today
	}
	return f.out.Write(p)
}

// Close closes the current file.
func (f *DailyFile) Close() error {
	return f.out.Close()
}
