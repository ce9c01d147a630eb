/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package process

import (
	"context"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/apex/log"
	ps "github.com/shirou/gopsutil/v3/process"

	"github.com/dwarfhack/memlayout/descriptor"
)

// Target is a running process that may be a supported game build.
type Target struct {
	PID     int32
	Name    string
	Exe     string // file whose bytes identify the build
	Cmdline []string
	Wine    bool // a Windows binary hosted by wine on a Unix system
	Family  descriptor.OS
}

func nativeFamily() descriptor.OS {
	switch runtime.GOOS {
	case "windows":
		return descriptor.Windows
	case "darwin":
		return descriptor.Apple
	case "linux":
		return descriptor.Linux
	}
	return descriptor.BadOS
}

// isWineHost reports whether exe is one of wine's loaders rather than the
// program it runs.
func isWineHost(exe string) bool {
	base := strings.ToLower(filepath.Base(exe))
	return strings.HasPrefix(base, "wine") && (strings.HasSuffix(base, "preloader") || base == "wine" || base == "wine64")
}

// winePath turns the Windows path wine was asked to run into a host path.
// Z: is wine's default mapping of the host root; any other drive or a
// relative name is taken relative to the process's working directory.
func winePath(arg, cwd string) string {
	p := strings.ReplaceAll(arg, `\`, "/")
	if len(p) >= 2 && p[1] == ':' {
		if p[0] == 'z' || p[0] == 'Z' {
			return filepath.Clean(p[2:])
		}
		return filepath.Join(cwd, filepath.Base(p))
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(cwd, p)
}

// newTarget fills a Target from the bits gopsutil gives us. cwd is only
// consulted for wine-hosted programs.
func newTarget(pid int32, name, exe string, cmdline []string, cwd string) Target {
	t := Target{PID: pid, Name: name, Exe: exe, Cmdline: cmdline, Family: nativeFamily()}
	if t.Family != descriptor.Windows && isWineHost(exe) {
		t.Wine = true
		t.Family = descriptor.Windows
		// wine rewrites argv[0] to the Windows path of the program, older
		// versions leave the loader there and pass the program after it
		for _, arg := range cmdline {
			if strings.HasSuffix(strings.ToLower(arg), ".exe") {
				t.Exe = winePath(arg, cwd)
				t.Name = filepath.Base(t.Exe)
				break
			}
		}
	}
	return t
}

// List enumerates the running processes the caller is allowed to inspect,
// in pid order. Processes that vanish during the walk are skipped.
func List(ctx context.Context) ([]Target, error) {
	procs, err := ps.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(procs))
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineSliceWithContext(ctx)
		var cwd string
		if isWineHost(exe) {
			if cwd, err = p.CwdWithContext(ctx); err != nil {
				log.WithField("pid", p.Pid).Debugf("no cwd for wine process: %v", err)
			}
		}
		targets = append(targets, newTarget(p.Pid, name, exe, cmdline, cwd))
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].PID < targets[j].PID })
	return targets, nil
}

// Find returns the target for one pid.
func Find(ctx context.Context, pid int32) (Target, error) {
	p, err := ps.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Target{}, err
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		return Target{}, err
	}
	name, _ := p.NameWithContext(ctx)
	cmdline, _ := p.CmdlineSliceWithContext(ctx)
	cwd, _ := p.CwdWithContext(ctx)
	return newTarget(pid, name, exe, cmdline, cwd), nil
}
