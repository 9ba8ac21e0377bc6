// Package logging configures per-module slog loggers for the v4l2shim tools.
//
// Records go to the diagnostics sink: the file named by [Config.File] when
// set, stderr otherwise. Captured frames may be written to stdout, so the
// console sink never uses it. With [Config.Journal] set and journald
// reachable, records are also sent to the systemd journal under the
// identifier "v4l2shim".
//
//	if err := logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"shim": "debug"},
//	}); err != nil {
//		return err
//	}
//	logger := logging.GetLogger("capture")
//
// Loggers returned by [GetLogger] hold a *slog.LevelVar, so [SetLevel] and a
// later [Initialize] apply to loggers that were already handed out.
//
//	journalctl -t v4l2shim MODULE=shim
package logging
