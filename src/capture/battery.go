package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const lowBatteryLevel = 0.2

type BatteryStatus struct {
	Known    bool
	Level    float64 // 0..1
	Charging bool
}

// Low reports a known battery under 20% that is not charging.
func (s BatteryStatus) Low() bool {
	return s.Known && !s.Charging && s.Level < lowBatteryLevel
}

type Battery interface {
	Status(ctx context.Context) (BatteryStatus, error)
}

// SysfsBattery reads the first battery under /sys/class/power_supply.
type SysfsBattery struct {
	Root string
}

func NewSysfsBattery() SysfsBattery {
	return SysfsBattery{Root: "/sys/class/power_supply"}
}

func (b SysfsBattery) Status(context.Context) (BatteryStatus, error) {
	supplies, err := os.ReadDir(b.Root)
	if errors.Is(err, os.ErrNotExist) {
		return BatteryStatus{}, nil
	}
	if err != nil {
		return BatteryStatus{}, fmt.Errorf("list power supplies: %w", err)
	}
	for _, s := range supplies {
		dir := filepath.Join(b.Root, s.Name())
		kind, err := readTrimmed(filepath.Join(dir, "type"))
		if err != nil || kind != "Battery" {
			continue
		}
		raw, err := readTrimmed(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		capacity, err := strconv.Atoi(raw)
		if err != nil {
			return BatteryStatus{}, fmt.Errorf("parse capacity of %s: %w", s.Name(), err)
		}
		status, _ := readTrimmed(filepath.Join(dir, "status"))
		return BatteryStatus{
			Known:    true,
			Level:    float64(capacity) / 100,
			Charging: status == "Charging" || status == "Full",
		}, nil
	}
	return BatteryStatus{}, nil
}

func readTrimmed(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// FixedBattery reports a constant status.
type FixedBattery BatteryStatus

func (f FixedBattery) Status(context.Context) (BatteryStatus, error) {
	return BatteryStatus(f), nil
}
