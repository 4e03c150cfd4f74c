package main

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// endpointPool is the ordered table of fixed ip:port endpoints. It is built
// once at startup and never mutated, so it is safe to share without locking.
type endpointPool struct {
	entries []endpointPoolEntry
	byIndex map[int]endpointPoolEntry
}

func newEndpointPool(entries []endpointPoolEntry) *endpointPool {
	sorted := append([]endpointPoolEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	byIndex := make(map[int]endpointPoolEntry, len(sorted))
	for _, e := range sorted {
		byIndex[e.Index] = e
	}
	return &endpointPool{entries: sorted, byIndex: byIndex}
}

func (p *endpointPool) resolve(index int) (string, int, error) {
	e, ok := p.byIndex[index]
	if !ok {
		return "", 0, newError(kindInvalidIndex, "resolveEndpoint", fmt.Sprintf("no endpoint with index %d (pool size %d)", index, len(p.entries)))
	}
	return e.IP, e.Port, nil
}

func (p *endpointPool) all() []endpointPoolEntry {
	return append([]endpointPoolEntry(nil), p.entries...)
}

func (p *endpointPool) size() int {
	return len(p.entries)
}

type selectorKind int

const (
	selectPoolIndex selectorKind = iota
	selectExplicitPort
	selectDirect
)

// endpointSelector says where a domain's target comes from.
type endpointSelector struct {
	kind  selectorKind
	index int
	ip    string
	port  int
}

// poolIndex targets pool entry i.
func poolIndex(i int) endpointSelector {
	return endpointSelector{kind: selectPoolIndex, index: i}
}

// explicitPort targets the IP of pool entry i with a caller supplied port.
func explicitPort(i, port int) endpointSelector {
	return endpointSelector{kind: selectExplicitPort, index: i, port: port}
}

// directTarget bypasses the pool entirely.
func directTarget(ip string, port int) endpointSelector {
	return endpointSelector{kind: selectDirect, index: noPoolIndex, ip: ip, port: port}
}

type resolvedTarget struct {
	IP    string
	Port  int
	Index int
}

func (p *endpointPool) pick(sel endpointSelector) (resolvedTarget, error) {
	switch sel.kind {
	case selectPoolIndex:
		ip, port, err := p.resolve(sel.index)
		if err != nil {
			return resolvedTarget{}, err
		}
		return resolvedTarget{IP: ip, Port: port, Index: sel.index}, nil
	case selectExplicitPort:
		if !validPort(sel.port) {
			return resolvedTarget{}, newError(kindInvalidInput, "resolveEndpoint", "serverPort must be between 1 and 65535")
		}
		ip, _, err := p.resolve(sel.index)
		if err != nil {
			return resolvedTarget{}, err
		}
		return resolvedTarget{IP: ip, Port: sel.port, Index: noPoolIndex}, nil
	case selectDirect:
		if !validIPv4(sel.ip) {
			return resolvedTarget{}, newError(kindInvalidInput, "resolveEndpoint", "targetIp must be an IPv4 address")
		}
		if !validPort(sel.port) {
			return resolvedTarget{}, newError(kindInvalidInput, "resolveEndpoint", "targetPort must be between 1 and 65535")
		}
		return resolvedTarget{IP: sel.ip, Port: sel.port, Index: noPoolIndex}, nil
	default:
		return resolvedTarget{}, newError(kindInternal, "resolveEndpoint", "unknown selector")
	}
}

// parseFixedEndpoints reads "ip:port,ip:port" into pool entries numbered from 0.
func parseFixedEndpoints(items []string) ([]endpointPoolEntry, error) {
	out := make([]endpointPoolEntry, 0, len(items))
	for i, item := range items {
		host, portStr, err := net.SplitHostPort(strings.TrimSpace(item))
		if err != nil {
			return nil, fmt.Errorf("fixed endpoint %q: %w", item, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || !validPort(port) {
			return nil, fmt.Errorf("fixed endpoint %q: invalid port", item)
		}
		if !validIPv4(host) {
			return nil, fmt.Errorf("fixed endpoint %q: invalid ipv4", item)
		}
		out = append(out, endpointPoolEntry{Index: i, IP: host, Port: port})
	}
	return out, nil
}
