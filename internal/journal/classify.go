package journal

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const aosServicePrefix = "aos-service@"

var instanceIDPattern = regexp.MustCompile(aosServicePrefix + `(.*)\.service`)

// parseInstanceID extracts the instance ID embedded in a systemd unit name
// of the form "aos-service@<id>.service" (the prefix may appear anywhere in
// the string, e.g. inside a cgroup path).
func parseInstanceID(unit string) (string, error) {
	match := instanceIDPattern.FindStringSubmatch(unit)
	if match == nil {
		return "", fmt.Errorf("bad instance unit name: %s", unit)
	}

	return match[1], nil
}

// classifyUnit derives the effective "unit" string ProcessJournal classifies
// on, applying the init.scope special case and the empty-unit cgroup
// fallback. The second return reports whether the entry should be skipped
// outright (an init.scope entry above the service alert priority).
func classifyUnit(entry Entry, serviceAlertPriority int) (unit string, skip bool) {
	unit = entry.SystemdUnit

	if entry.SystemdUnit == "init.scope" {
		if entry.Priority > serviceAlertPriority {
			return "", true
		}

		unit = entry.Unit
	}

	if unit == "" {
		unit = entry.SystemdCGroup
	}

	return unit, false
}

func (m *Monitor) classify(ctx context.Context, entry Entry, unit string) (*Alert, error) {
	if alert, ok, err := m.serviceInstanceAlert(ctx, entry, unit); err != nil {
		return nil, err
	} else if ok {
		return alert, nil
	}

	if alert, ok := coreComponentAlert(entry, unit); ok {
		return alert, nil
	}

	if alert, ok := m.systemAlert(entry); ok {
		return alert, nil
	}

	return nil, nil
}

func (m *Monitor) serviceInstanceAlert(ctx context.Context, entry Entry, unit string) (*Alert, bool, error) {
	if m.instanceProvider == nil || !strings.Contains(unit, aosServicePrefix) {
		return nil, false, nil
	}

	instanceID, err := parseInstanceID(unit)
	if err != nil {
		return nil, false, err
	}

	info, err := m.instanceProvider.GetInstanceInfo(ctx, instanceID)
	if err != nil {
		return nil, false, err
	}

	return &Alert{
		Kind:           AlertKindServiceInstance,
		Timestamp:      entry.RealTime,
		Message:        truncateMessage(entry.Message),
		InstanceIdent:  info.Ident,
		ServiceVersion: info.ServiceVersion,
	}, true, nil
}

func coreComponentAlert(entry Entry, unit string) (*Alert, bool) {
	for _, candidate := range coreComponentUnits {
		if strings.Contains(unit, candidate.unitName) {
			return &Alert{
				Kind:          AlertKindCore,
				Timestamp:     entry.RealTime,
				Message:       truncateMessage(entry.Message),
				CoreComponent: candidate.component,
			}, true
		}
	}

	return nil, false
}

func (m *Monitor) systemAlert(entry Entry) (*Alert, bool) {
	if m.filter.suppresses(entry.Message) {
		return nil, false
	}

	return &Alert{
		Kind:      AlertKindSystem,
		Timestamp: entry.RealTime,
		Message:   truncateMessage(entry.Message),
	}, true
}
