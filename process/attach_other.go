/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/

//go:build !linux && !windows

package process

import (
	"fmt"
	"runtime"
)

func openMemory(pid int32) (handle, error) {
	return nil, fmt.Errorf("reading process memory is not supported on %s", runtime.GOOS)
}

func moduleBase(t Target) (module, error) {
	return module{}, fmt.Errorf("locating modules is not supported on %s", runtime.GOOS)
}
