package procmeta

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// ProcessMetadata holds structured process information for span attributes.
type ProcessMetadata struct {
	Executable  string   // Resolved /proc/<pid>/exe target
	Args        []string // Command-line arguments
	CmdlineFull string   // Full command line as single string
}

// Read collects metadata for pid below procRoot (normally "/proc").
// A process that exited between the event and the read yields an error.
func Read(procRoot string, pid uint32) (*ProcessMetadata, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	p, err := fs.Proc(int(pid))
	if err != nil {
		return nil, fmt.Errorf("reading pid %d: %w", pid, err)
	}

	args, err := p.CmdLine()
	if err != nil {
		return nil, fmt.Errorf("reading cmdline of pid %d: %w", pid, err)
	}
	if len(args) == 0 {
		args = nil
	}

	md := &ProcessMetadata{
		Args:        args,
		CmdlineFull: strings.Join(args, " "),
	}

	// exe is unreadable for kernel threads and without ptrace access.
	if exe, err := p.Executable(); err == nil {
		md.Executable = exe
	}

	return md, nil
}
