// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package debugfile locates and opens the debug ELF files a Program needs:
// vmlinux and loadable kernel modules for a kernel target, or one ELF per
// file mapping for a userspace target. The search paths and per-candidate
// error tolerance follow open_kernel_files/open_userspace_files in the
// original bootstrap implementation.
package debugfile

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/slapurmoma5/drgn/dwarfidx"
	"github.com/slapurmoma5/drgn/internal/log"
	"github.com/slapurmoma5/drgn/mapping"
	"github.com/slapurmoma5/drgn/pfelf"
	"github.com/slapurmoma5/drgn/progerr"
)

// logBuildID reports, at debug level, the GNU build ID of a newly opened
// debug file. The same osrelease directory can hold several rebuilds of the
// same module name, and the build ID is the only way to tell which one was
// actually picked.
func logBuildID(path string) {
	id, err := pfelf.GetBuildIDFromNotesFile(path)
	if err != nil {
		return
	}
	log.Debugf("debugfile: %s build id %s", path, id)
}

// Locator finds and adds debug ELF files to an Index.
type Locator struct {
	Index *dwarfidx.Index
	// Verbose gates the "missing debug for N modules, show first 5" report.
	Verbose bool
}

var vmlinuxPaths = []string{
	"/usr/lib/debug/lib/modules/%s/vmlinux",
	"/boot/vmlinux-%s",
	"/lib/modules/%s/build/vmlinux",
}

// LocateKernel opens the first vmlinux candidate for osrelease that yields a
// DWARF-indexable file. It distinguishes not-found (try the next path) from
// found-but-no-debug-info (remember, keep trying, but shape the final error
// around it if nothing else works) from any other error (abort immediately).
func (l *Locator) LocateKernel(osrelease string) (*dwarfidx.Handle, error) {
	var missingDebugPath string
	for _, pattern := range vmlinuxPaths {
		path := fmt.Sprintf(pattern, osrelease)
		h, err := l.Index.Add(path)
		if err == nil {
			logBuildID(path)
			return h, nil
		}
		kind, _ := progerr.KindOf(err)
		switch kind {
		case progerr.OS:
			continue
		case progerr.MissingDebug:
			missingDebugPath = path
			continue
		default:
			return nil, err
		}
	}
	if missingDebugPath != "" {
		return nil, progerr.New(progerr.MissingDebug,
			"vmlinux at %s has no debug info", missingDebugPath)
	}
	return nil, progerr.New(progerr.MissingDebug, "no vmlinux found for release %s", osrelease)
}

type moduleRoot struct {
	dir string
	ext string
}

// LocateModules walks the module tree for osrelease and adds every .ko/.ko.debug
// file it finds to the index. The debug tree and the plain tree are mutually
// exclusive candidates; whichever exists first is used exclusively, matching
// the original fts-based walk. Missing debug info per module is tolerated and
// counted rather than aborting the whole walk.
func (l *Locator) LocateModules(osrelease string) (addedCount int, err error) {
	roots := []moduleRoot{
		{fmt.Sprintf("/usr/lib/debug/lib/modules/%s/kernel", osrelease), ".ko.debug"},
		{fmt.Sprintf("/lib/modules/%s/kernel", osrelease), ".ko"},
	}

	var root moduleRoot
	found := false
	for _, r := range roots {
		if fi, statErr := os.Stat(r.dir); statErr == nil && fi.IsDir() {
			root = r
			found = true
			break
		}
	}
	if !found {
		return 0, nil
	}

	var missing []string
	walkErr := filepath.WalkDir(root.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(path, root.ext) {
			return nil
		}
		if _, addErr := l.Index.Add(path); addErr != nil {
			kind, _ := progerr.KindOf(addErr)
			if kind == progerr.MissingDebug || kind == progerr.OS || kind == progerr.ELFFormat {
				missing = append(missing, filepath.Base(path))
				return nil
			}
			return addErr
		}
		logBuildID(path)
		addedCount++
		return nil
	})
	if walkErr != nil {
		return addedCount, progerr.Wrap(progerr.OS, walkErr, "walk %s", root.dir)
	}

	if len(missing) > 0 {
		reportMissingModules(missing, l.Verbose)
	}
	return addedCount, nil
}

func reportMissingModules(missing []string, verbose bool) {
	if !verbose {
		log.Debugf("missing debug info for %d module(s)", len(missing))
		return
	}
	shown := missing
	extra := 0
	if len(shown) > 5 {
		extra = len(shown) - 5
		shown = shown[:5]
	}
	msg := fmt.Sprintf("missing debug info for %d module(s): %s", len(missing), strings.Join(shown, ", "))
	if extra > 0 {
		msg += fmt.Sprintf(", ... %d more", extra)
	}
	log.Warnf("%s", msg)
}

// LocateUserspace opens one ELF per file mapping in tbl and stores the handle
// on the mapping's ELF field. ENOENT, not-an-ELF, and MissingDebug are
// tolerated per mapping; at least one mapping must succeed or the whole
// operation fails with MissingDebug.
func (l *Locator) LocateUserspace(tbl *mapping.Table) error {
	all := tbl.All()
	success := false
	for i := range all {
		m := &all[i]
		if m.Path == "" {
			continue
		}
		h, err := l.Index.Add(m.Path)
		if err != nil {
			kind, _ := progerr.KindOf(err)
			if kind == progerr.OS || kind == progerr.ELFFormat || kind == progerr.MissingDebug {
				continue
			}
			return err
		}
		logBuildID(m.Path)
		m.ELF = h
		success = true
	}
	if !success {
		return progerr.New(progerr.MissingDebug, "no debug information found")
	}
	return nil
}
