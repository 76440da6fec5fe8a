//go:build !linux

package imu

import "fmt"

func openDataReady(chip string, offset int) (DataReady, error) {
	return nil, fmt.Errorf("imu: data-ready line needs linux gpio")
}
