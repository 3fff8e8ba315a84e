package setup

import (
	"io"
	"path/filepath"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

// SetupLogging wires logrus so that entries go to stdout/stderr split by
// level (via stdemuxerhook, so docker/systemd log collectors see errors on
// stderr without parsing message text) and, if logDir is non-empty, also
// to a daily-rotated file per component under logDir.
func SetupLogging(logDir, component string) error {
	logrus.SetOutput(io.Discard)
	logrus.AddHook(stdemuxerhook.New(logrus.StandardLogger()))
	logrus.SetLevel(logrus.InfoLevel)

	if logDir == "" {
		return nil
	}
	hook, err := dugong.NewFSHook(
		filepath.Join(logDir, component+".log"),
		&logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
		&dugong.DailyRotationSchedule{Compress: true},
	)
	if err != nil {
		return err
	}
	logrus.AddHook(hook)
	return nil
}
