package dirmgr

import (
	"os"
	"path/filepath"
	"strings"
)

// NameValid reports whether name is usable as a mailbox path
// underneath a DirMgr. Invalid names are: containing a NUL byte, or
// splitting on '/' into any segment that is empty, longer than 255
// bytes, or equal to ".", "..", "cur", "tmp", or "new".
func NameValid(name string) bool {
	if strings.ContainsRune(name, 0) {
		return false
	}
	for _, elem := range strings.Split(name, "/") {
		switch {
		case elem == "":
			return false
		case len(elem) > 255:
			return false
		case elem == ".", elem == "..", elem == "cur", elem == "tmp", elem == "new":
			return false
		}
	}
	return true
}

// MbxHook is invoked once per mailbox found during ForEachMbx, in
// post-order (children before their parent). hasCtn reports whether
// the directory has cur/tmp/new of its own; hasChild reports whether
// any subdirectory was itself a mailbox (used to mark it \Noselect vs
// a plain parent in LIST responses).
type MbxHook func(name string, hasCtn, hasChild bool) error

// ForEachMbx walks the directory tree under refName, invoking hook
// once for every subdirectory that is not itself cur/tmp/new/.cache.
// It is used to generate LIST/LSUB responses.
func (dm *DirMgr) ForEachMbx(refName string, hook MbxHook) error {
	base := dm.path
	if refName != "" {
		base = filepath.Join(base, filepath.FromSlash(refName))
	}
	_, err := walkMbx(base, refName, hook)
	return err
}

func walkMbx(path, name string, hook MbxHook) (foundChild bool, err error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	hasCtn := ctnCheck(path)

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		switch e.Name() {
		case "cur", "tmp", "new", ".cache":
			continue
		}
		foundChild = true

		childPath := filepath.Join(path, e.Name())
		childName := e.Name()
		if name != "" {
			childName = name + "/" + e.Name()
		}

		childHasChild, err := walkMbx(childPath, childName, hook)
		if err != nil {
			return foundChild, err
		}
		childHasCtn := ctnCheck(childPath)
		if err := hook(childName, childHasCtn, childHasChild); err != nil {
			return foundChild, err
		}
	}

	return foundChild, nil
}

func ctnCheck(path string) bool {
	for _, sub := range []string{"cur", "tmp", "new"} {
		if fi, err := os.Stat(filepath.Join(path, sub)); err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

// PruneEmptyDirs recursively removes mailbox directories created
// optimistically (ahead of confirming the mailbox exists upstream)
// whose cur/ and new/ are empty, along with any ancestor directories
// left empty as a result. The top-level path itself is never removed.
// tmp/ is always emptied wherever it is found, since it holds only
// in-flight scratch files.
func PruneEmptyDirs(path string) {
	_, _ = pruneDir(path)
}

// pruneDir returns true if path itself ends up empty (and thus safe
// for the caller to remove), after pruning its children.
func pruneDir(path string) (empty bool, err error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}

	nonempty := false

	hasCur, hasTmp, hasNew := false, false, false
	for _, e := range entries {
		switch e.Name() {
		case "cur":
			hasCur = e.IsDir()
		case "tmp":
			hasTmp = e.IsDir()
		case "new":
			hasNew = e.IsDir()
		}
	}

	if hasTmp {
		_ = emptyDir(filepath.Join(path, "tmp"))
	}
	curEmpty, newEmpty := true, true
	if hasCur {
		curEmpty = dirIsEmpty(filepath.Join(path, "cur"))
		if !curEmpty {
			nonempty = true
		}
	}
	if hasNew {
		newEmpty = dirIsEmpty(filepath.Join(path, "new"))
		if !newEmpty {
			nonempty = true
		}
	}

	if hasTmp || hasCur || hasNew {
		if curEmpty && newEmpty {
			// a cur/tmp/new triple with nothing in it: this directory was
			// created optimistically and never confirmed; remove it.
			if err := rmdirCtn(path); err != nil {
				return false, err
			}
		} else {
			nonempty = true
		}
	}

	for _, e := range entries {
		if !e.IsDir() {
			nonempty = true
			continue
		}
		switch e.Name() {
		case "cur", "tmp", "new":
			continue
		}
		childPath := filepath.Join(path, e.Name())
		childEmpty, err := pruneDir(childPath)
		if err != nil {
			return false, err
		}
		if childEmpty {
			if err := os.Remove(childPath); err != nil && !os.IsNotExist(err) {
				return false, err
			}
		} else {
			nonempty = true
		}
	}

	return !nonempty, nil
}

func dirIsEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

func rmdirCtn(path string) error {
	for _, sub := range []string{"cur", "tmp", "new"} {
		p := filepath.Join(path, sub)
		if _, err := os.Stat(p); err == nil {
			if err := os.RemoveAll(p); err != nil {
				return err
			}
		}
	}
	return nil
}
