//go:build windows

package executor

import "os"

func interruptSignal() os.Signal { return os.Interrupt }
