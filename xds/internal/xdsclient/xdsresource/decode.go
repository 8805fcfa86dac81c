package xdsresource

import "google.golang.org/protobuf/encoding/protowire"

// DecodeName extracts a resource's name from its encoded payload
// without fully unmarshaling it into a typed message. Every xDS
// resource proto (Cluster, ClusterLoadAssignment.cluster_name,
// Listener, RouteConfiguration, ...) carries its identifying name as
// wire field 1 of type string, so a single generic field-1 string scan
// works across the whole resource family. This keeps the transport and
// watch layers resource-type-agnostic (spec.md §3 "Payload is opaque
// to the core") instead of linking in every concrete resource message
// just to read its name.
func DecodeName(typeURL string, payload []byte) (string, error) {
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return "", protowire.ParseError(m)
		}
		return string(v), nil
	}
	return "", nil
}
