// Package resolver implements the pluggable IP resolver chain: a Resolver
// is anything that can turn a node id into an IP, and several concrete
// strategies compose into a fallback chain.
package resolver

import (
	"context"
	"net"

	"github.com/cuemby/bazbeans/pkg/registry"
)

// Resolver maps a node id to an IP literal. ok is false when the strategy
// has no answer for nodeID; callers should fall through to the next
// resolver in a chain rather than treat that as an error.
type Resolver interface {
	Resolve(ctx context.Context, nodeID string) (ip string, ok bool)
}

// Registry resolves IPs from the coordinator's node_ips hash.
type RegistryResolver struct {
	reg *registry.Registry
}

// NewRegistryResolver builds a resolver backed by the node registry.
func NewRegistryResolver(reg *registry.Registry) *RegistryResolver {
	return &RegistryResolver{reg: reg}
}

func (r *RegistryResolver) Resolve(ctx context.Context, nodeID string) (string, bool) {
	ip, ok, err := r.reg.GetIP(ctx, nodeID)
	if err != nil || !ok {
		return "", false
	}
	return ip, true
}

// DNSResolver concatenates nodeID with a configured domain suffix and
// performs an A/AAAA lookup.
type DNSResolver struct {
	DomainSuffix string
	Resolver     *net.Resolver
}

// NewDNSResolver builds a resolver that looks up "<nodeID><domainSuffix>".
func NewDNSResolver(domainSuffix string) *DNSResolver {
	return &DNSResolver{DomainSuffix: domainSuffix, Resolver: net.DefaultResolver}
}

func (d *DNSResolver) Resolve(ctx context.Context, nodeID string) (string, bool) {
	host := nodeID + d.DomainSuffix
	addrs, err := d.Resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", false
	}
	return addrs[0], true
}

// StaticResolver holds an in-memory NodeId -> IP map.
type StaticResolver struct {
	mapping map[string]string
}

// NewStaticResolver builds a resolver over a fixed map.
func NewStaticResolver(mapping map[string]string) *StaticResolver {
	if mapping == nil {
		mapping = make(map[string]string)
	}
	return &StaticResolver{mapping: mapping}
}

func (s *StaticResolver) Resolve(_ context.Context, nodeID string) (string, bool) {
	ip, ok := s.mapping[nodeID]
	return ip, ok
}

// CallbackResolver delegates resolution to a user-supplied function.
type CallbackResolver struct {
	Fn func(ctx context.Context, nodeID string) (string, bool)
}

// NewCallbackResolver wraps an arbitrary resolution function.
func NewCallbackResolver(fn func(ctx context.Context, nodeID string) (string, bool)) *CallbackResolver {
	return &CallbackResolver{Fn: fn}
}

func (c *CallbackResolver) Resolve(ctx context.Context, nodeID string) (string, bool) {
	if c.Fn == nil {
		return "", false
	}
	return c.Fn(ctx, nodeID)
}

// AutodetectResolver ignores nodeID and returns this process's own outbound
// IP, determined the same way the agent self-registers.
type AutodetectResolver struct{}

func (AutodetectResolver) Resolve(_ context.Context, _ string) (string, bool) {
	ip, err := OutboundIP()
	if err != nil {
		return "", false
	}
	return ip, true
}

// OutboundIP opens a UDP "connection" to a well-known external address and
// reads the local endpoint, without sending any packets. No traffic is
// needed to discover the outward-facing interface address.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), nil
}

// ChainedResolver tries a primary resolver then a fallback, returning the
// first non-empty result.
type ChainedResolver struct {
	Primary  Resolver
	Fallback Resolver
}

// NewChainedResolver builds a two-stage resolver.
func NewChainedResolver(primary, fallback Resolver) *ChainedResolver {
	return &ChainedResolver{Primary: primary, Fallback: fallback}
}

func (c *ChainedResolver) Resolve(ctx context.Context, nodeID string) (string, bool) {
	if ip, ok := c.Primary.Resolve(ctx, nodeID); ok {
		return ip, true
	}
	if c.Fallback == nil {
		return "", false
	}
	return c.Fallback.Resolve(ctx, nodeID)
}

// MultiFallbackResolver tries an ordered list of resolvers, returning the
// first hit.
type MultiFallbackResolver struct {
	Resolvers []Resolver
}

// NewMultiFallbackResolver builds a resolver over an ordered list.
func NewMultiFallbackResolver(resolvers ...Resolver) *MultiFallbackResolver {
	return &MultiFallbackResolver{Resolvers: resolvers}
}

func (m *MultiFallbackResolver) Resolve(ctx context.Context, nodeID string) (string, bool) {
	for _, r := range m.Resolvers {
		if ip, ok := r.Resolve(ctx, nodeID); ok {
			return ip, true
		}
	}
	return "", false
}
