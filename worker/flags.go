package worker

import "strings"

const (
	allowAllFlag   = "--allow-all"
	allowReadFlag  = "--allow-read"
	allowWriteFlag = "--allow-write"
)

// buildPermissionFlags returns a copy of runFlags augmented so the guest can
// read and write the socket path, and read the script file when there is one.
// Caller-specified grants are extended, never replaced: a blanket read or
// write grant is left alone, an explicit path list gets the needed paths
// appended, and a missing grant is added scoped to exactly the needed paths.
func buildPermissionFlags(runFlags []string, socketPath, scriptPath string) []string {
	readPaths := socketPath
	if scriptPath != "" {
		readPaths += "," + scriptPath
	}
	writePaths := socketPath

	flags := make([]string, len(runFlags))
	copy(flags, runFlags)

	var readFound, writeFound bool
	for i, flag := range flags {
		switch {
		case flag == allowAllFlag:
			readFound = true
			writeFound = true
		case flag == allowReadFlag:
			readFound = true
		case flag == allowWriteFlag:
			writeFound = true
		case strings.HasPrefix(flag, allowReadFlag+"="):
			readFound = true
			flags[i] = flag + "," + readPaths
		case strings.HasPrefix(flag, allowWriteFlag+"="):
			writeFound = true
			flags[i] = flag + "," + writePaths
		}
	}

	if !readFound {
		flags = append(flags, allowReadFlag+"="+readPaths)
	}
	if !writeFound {
		flags = append(flags, allowWriteFlag+"="+writePaths)
	}
	return flags
}
