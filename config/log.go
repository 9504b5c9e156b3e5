package config

import (
	"fmt"
	"log"
	"time"
)

func stamp() string {
	return time.Now().Format("15:04:05.000")
}

// DPrintf prints a debug line when ShowDebugInfo is set.
func DPrintf(format string, a ...interface{}) {
	if !ShowDebugInfo {
		return
	}
	emit(format, a...)
}

// TPrintf prints a trace line when ShowTestInfo is set.
func TPrintf(format string, a ...interface{}) {
	if !ShowTestInfo {
		return
	}
	emit(format, a...)
}

// GPrintf prints a generation/membership change line when ShowGenChanges is
// set; these are on by default since they are the events operators care
// about most.
func GPrintf(format string, a ...interface{}) {
	if !ShowGenChanges {
		return
	}
	emit(format, a...)
}

func emit(format string, a ...interface{}) {
	line := stamp() + " <---> " + fmt.Sprintf(format, a...)
	if LogToFile {
		log.Print(line)
	} else {
		fmt.Println(line)
	}
}

// Warn logs a warning when cond is false and warnings are enabled; it
// returns cond unchanged so it composes at call sites the way Assert does.
func Warn(cond bool, format string, a ...interface{}) bool {
	if !cond && ShowWarnings {
		emit("[WARNING] "+format, a...)
	}
	return cond
}

// Assert panics with a formatted message when cond is false. Used only for
// invariants that truly must never be violated by correct peers.
func Assert(cond bool, format string, a ...interface{}) bool {
	if !cond {
		panic("[ASSERT] " + fmt.Sprintf(format, a...))
	}
	return cond
}

// CheckError panics on a non-nil error. Reserved for local, unrecoverable
// conditions (disk, codec) — never for remote/network errors, which always
// get handled as part of the protocol.
func CheckError(err error) {
	if err != nil {
		panic(err.Error())
	}
}
