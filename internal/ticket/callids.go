package ticket

import "strings"

const callIDSeparator = ", "

// CallIDList provides the default call id list handling. Backends embed it
// and may shadow individual methods.
type CallIDList struct{}

func (CallIDList) FormatCallID(id string) string           { return FormatCallID(id) }
func (CallIDList) AddCallID(existing, id string) string    { return AddCallID(existing, id) }
func (CallIDList) RemoveCallID(existing, id string) string { return RemoveCallID(existing, id) }

// FormatCallID renders a single list entry.
func FormatCallID(id string) string {
	return id + callIDSeparator
}

// AddCallID appends id unless the list already contains it as a substring.
func AddCallID(existing, id string) string {
	if existing == "" {
		return FormatCallID(id)
	}
	if strings.Contains(existing, id) {
		return existing
	}
	return existing + FormatCallID(id)
}

// RemoveCallID drops every entry equal to id and re-renders the rest.
func RemoveCallID(existing, id string) string {
	var b strings.Builder
	for _, entry := range SplitCallIDs(existing) {
		if entry == id {
			continue
		}
		b.WriteString(FormatCallID(entry))
	}
	return b.String()
}

// SplitCallIDs returns the non-empty, trimmed entries of a list.
func SplitCallIDs(list string) []string {
	var ids []string
	for _, part := range strings.Split(list, ",") {
		if p := strings.Trim(part, " \t"); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// HasCallID reports whether id is an entry of list (exact match).
func HasCallID(list, id string) bool {
	for _, entry := range SplitCallIDs(list) {
		if entry == id {
			return true
		}
	}
	return false
}
