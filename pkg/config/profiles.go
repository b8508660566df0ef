// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"sort"
	"time"
)

// Built-in profile names.
const (
	ProfileProvider      = "provider"
	ProfileProviderKafka = "provider-kafka"
	ProfileConsumer      = "consumer"
	ProfileMedium        = "medium"
)

func boolPtr(b bool) *bool                       { return &b }
func durationPtr(d time.Duration) *time.Duration { return &d }

// profiles holds the fixed ports, delays and payloads of the call chain
// browser → consumer → provider-kafka / medium, plus the CORS-enabled provider.
var profiles = map[string]ServiceConfig{
	ProfileProvider: {
		Name:        ProfileProvider,
		Role:        RoleLeaf,
		Listen:      ":9091",
		Delay:       500 * time.Millisecond,
		CORS:        boolPtr(true),
		Payload:     DefaultPayload,
		ContentType: "application/json",
		Transport:   "http",
	},
	ProfileProviderKafka: {
		Name:        ProfileProviderKafka,
		Role:        RoleLeaf,
		Listen:      ":9089",
		Delay:       150 * time.Millisecond,
		CORS:        boolPtr(false),
		Payload:     DefaultPayload,
		ContentType: "application/json",
		Transport:   "kafka",
		Reporter:    ReporterKafka,
	},
	ProfileMedium: {
		Name:        ProfileMedium,
		Role:        RoleLeaf,
		Listen:      ":9092",
		CORS:        boolPtr(false),
		Payload:     DefaultPayload,
		ContentType: "application/json",
		Transport:   "http",
	},
	ProfileConsumer: {
		Name:        ProfileConsumer,
		Role:        RoleCoordinator,
		Listen:      ":9090",
		CORS:        boolPtr(false),
		Payload:     DefaultPayload,
		ContentType: "application/json; charset=utf-8",
		Transport:   "http",
		Downstreams: []string{
			"http://provider-kafka:9089/users",
			"http://medium:9092/users",
		},
		DownstreamTimeout: durationPtr(30 * time.Second),
		ResponseMode:      ResponsePerHop,
	},
}

// Profile returns a copy of a built-in service profile.
func Profile(name string) (ServiceConfig, bool) {
	p, ok := profiles[name]
	if !ok {
		return ServiceConfig{}, false
	}
	p.Profile = name
	p.Downstreams = append([]string(nil), p.Downstreams...)
	return p, true
}

// ProfileNames returns the built-in profile names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mergeProfile fills zero fields of svc from its named profile. Services
// without a profile get leaf defaults.
func mergeProfile(svc ServiceConfig) (ServiceConfig, error) {
	base := ServiceConfig{
		Role:        RoleLeaf,
		Payload:     DefaultPayload,
		ContentType: "application/json",
		Transport:   "http",
	}
	if svc.Profile != "" {
		p, ok := Profile(svc.Profile)
		if !ok {
			return svc, fmt.Errorf("unknown profile %q", svc.Profile)
		}
		base = p
	}

	if svc.Name == "" {
		svc.Name = base.Name
	}
	if svc.Role == "" {
		svc.Role = base.Role
	}
	if svc.Listen == "" {
		svc.Listen = base.Listen
	}
	if svc.Delay == 0 {
		svc.Delay = base.Delay
	}
	if svc.CORS == nil {
		svc.CORS = base.CORS
	}
	if svc.Serial == nil {
		svc.Serial = base.Serial
	}
	if svc.Payload == "" {
		svc.Payload = base.Payload
	}
	if svc.ContentType == "" {
		svc.ContentType = base.ContentType
		if svc.Role == RoleCoordinator && svc.Profile == "" {
			svc.ContentType = "application/json; charset=utf-8"
		}
	}
	if svc.Transport == "" {
		svc.Transport = base.Transport
	}
	if svc.Reporter == "" {
		svc.Reporter = base.Reporter
	}
	if len(svc.Downstreams) == 0 {
		svc.Downstreams = base.Downstreams
	}
	if svc.DownstreamTimeout == nil {
		svc.DownstreamTimeout = base.DownstreamTimeout
	}
	if svc.ResponseMode == "" {
		svc.ResponseMode = base.ResponseMode
		if svc.ResponseMode == "" && svc.Role == RoleCoordinator {
			svc.ResponseMode = ResponsePerHop
		}
	}
	return svc, nil
}
