package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vaultkit/vaultkit/pkg/color"
	"github.com/vaultkit/vaultkit/pkg/model"
)

func fmtErr(format string, args ...any) {
	prefix := "vaultkit: "
	if color.Enabled() {
		prefix = color.Error("vaultkit:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}

// printRecord writes the human-readable view of a lock record.
func printRecord(w io.Writer, rec *model.LockRecord) {
	fmt.Fprintf(w, "  Holder:    %s %s\n", color.Host(rec.Hostname), color.Dim("("+rec.MachineID+")"))
	if rec.ProcessID != 0 {
		fmt.Fprintf(w, "  Process:   %d\n", rec.ProcessID)
	}
	if rec.AppVersion != "" {
		fmt.Fprintf(w, "  Version:   %s\n", rec.AppVersion)
	}
	fmt.Fprintf(w, "  Locked:    %s (%s)\n", rec.LockedAt.Local().Format(time.RFC3339), humanize.Time(rec.LockedAt))
	fmt.Fprintf(w, "  Heartbeat: %s (%s)\n", rec.Heartbeat.Local().Format(time.RFC3339), humanize.Time(rec.Heartbeat))
}
