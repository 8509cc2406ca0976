/*Package prodigy speaks the SpecsLab Prodigy "Remote In" protocol (v1.22).

The protocol is ASCII over a single TCP connection, one newline-terminated
request and reply per exchange:

	?0001 Connect
	!0001 OK: ServerName:"SpecsLab Prodigy 4.64" ProtocolVersion:1.22

	?0002 GetAcquisitionData FromIndex:0 ToIndex:2
	!0002 OK: Data:[12.0,13.5,11.8]

Requests carry a four-hex-digit ID; the matching reply echoes it.  The
server permits one client and one request in flight at a time, which the
Client enforces.
*/
package prodigy

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands of the Remote In protocol issued by this client.
const (
	CmdConnect           = "Connect"
	CmdDisconnect        = "Disconnect"
	CmdGetAllParamNames  = "GetAllAnalyzerParameterNames"
	CmdGetParamInfo      = "GetAnalyzerParameterInfo"
	CmdGetParamValue     = "GetAnalyzerParameterValue"
	CmdSetParamValue     = "SetAnalyzerParameterValue"
	CmdGetVisibleName    = "GetAnalyzerVisibleName"
	CmdGetSpectrumParam  = "GetSpectrumParameterInfo"
	CmdGetSpectrumData   = "GetSpectrumDataInfo"
	CmdDefineFAT         = "DefineSpectrumFAT"
	CmdDefineSFAT        = "DefineSpectrumSFAT"
	CmdDefineFRR         = "DefineSpectrumFRR"
	CmdDefineFE          = "DefineSpectrumFE"
	CmdDefineLVS         = "DefineSpectrumLVS"
	CmdValidateSpectrum  = "ValidateSpectrum"
	CmdClearSpectrum     = "ClearSpectrum"
	CmdStart             = "Start"
	CmdPause             = "Pause"
	CmdResume            = "Resume"
	CmdAbort             = "Abort"
	CmdGetAcqStatus      = "GetAcquisitionStatus"
	CmdGetAcqData        = "GetAcquisitionData"
	CmdSetSafeState      = "SetSafeState"
)

// KV is one Key:Value argument of a request.  Arguments are emitted in the
// order given, for reproducible request lines.
type KV struct {
	Key string
	Val interface{}
}

// formatValue renders an argument value in wire form.  Floats round-trip,
// bools are bare true/false, strings are quoted only when they need to be.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return maybeQuote(t)
	default:
		return maybeQuote(fmt.Sprint(t))
	}
}

// maybeQuote quotes s when it contains characters that would break request
// tokenization.  Bare enum tokens pass through untouched.
func maybeQuote(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\"\\") {
		return Quote(s)
	}
	return s
}

// Quote renders s as a double-quoted wire string, escaping interior quotes
// and backslashes
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// formatRequest renders one request line, without the trailing newline
func formatRequest(id uint16, cmd string, args []KV) string {
	var b strings.Builder
	fmt.Fprintf(&b, "?%04X %s", id, cmd)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte(':')
		b.WriteString(formatValue(a.Val))
	}
	return b.String()
}

// Reply is one parsed OK reply.  Keys preserve the server's exact case;
// values are raw strings (quotes removed) to be coerced by the caller.
type Reply struct {
	ID     uint16
	Fields map[string]string
}

// Float coerces a field to float64
func (r Reply) Float(key string) (float64, error) {
	s, ok := r.Fields[key]
	if !ok {
		return 0, fmt.Errorf("reply has no field %q", key)
	}
	return strconv.ParseFloat(s, 64)
}

// Int coerces a field to int
func (r Reply) Int(key string) (int, error) {
	s, ok := r.Fields[key]
	if !ok {
		return 0, fmt.Errorf("reply has no field %q", key)
	}
	return strconv.Atoi(s)
}

// IntOr coerces a field to int, returning def when the field is absent
func (r Reply) IntOr(key string, def int) int {
	v, err := r.Int(key)
	if err != nil {
		return def
	}
	return v
}

// parseReply parses one reply line.  The error is a FramingError when the
// line does not match the grammar, or a ServerError for the Error form.
func parseReply(line string) (Reply, error) {
	r := Reply{Fields: map[string]string{}}
	if len(line) < 6 || line[0] != '!' || line[5] != ' ' {
		return r, FramingError{Line: line}
	}
	id64, err := strconv.ParseUint(line[1:5], 16, 16)
	if err != nil {
		return r, FramingError{Line: line}
	}
	r.ID = uint16(id64)
	rest := line[6:]

	switch {
	case rest == "OK":
		return r, nil
	case strings.HasPrefix(rest, "OK: "):
		if err := parseFields(rest[4:], r.Fields); err != nil {
			return r, FramingError{Line: line}
		}
		return r, nil
	case strings.HasPrefix(rest, "Error: "):
		code, msg, err := parseError(rest[7:])
		if err != nil {
			return r, FramingError{Line: line}
		}
		return r, ServerError{Code: code, Message: msg}
	}
	return r, FramingError{Line: line}
}

// parseError splits `<code> "<message>"`.  Unquoted trailing text is
// accepted as the message; some servers omit the quotes.
func parseError(s string) (int, string, error) {
	idx := strings.IndexByte(s, ' ')
	codeStr := s
	msg := ""
	if idx >= 0 {
		codeStr = s[:idx]
		msg = s[idx+1:]
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, "", err
	}
	if len(msg) >= 2 && msg[0] == '"' && msg[len(msg)-1] == '"' {
		msg = unescape(msg[1 : len(msg)-1])
	}
	return code, msg, nil
}

// parseFields tokenizes a space-separated Key:Value list into dst.
// Values may be bare tokens, quoted strings with escapes, or bracketed
// arrays (which are stored raw, brackets included).
func parseFields(s string, dst map[string]string) error {
	i := 0
	n := len(s)
	for i < n {
		// skip separating spaces
		for i < n && s[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		// key runs to the first colon
		j := strings.IndexByte(s[i:], ':')
		if j < 0 {
			return fmt.Errorf("token %q has no colon", s[i:])
		}
		key := s[i : i+j]
		i += j + 1
		// value: quoted, bracketed, or bare
		if i >= n {
			dst[key] = ""
			break
		}
		switch s[i] {
		case '"':
			val, next, err := scanQuoted(s, i)
			if err != nil {
				return err
			}
			dst[key] = val
			i = next
		case '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return fmt.Errorf("unterminated array in %q", s[i:])
			}
			dst[key] = s[i : i+j+1]
			i += j + 1
		default:
			j := strings.IndexByte(s[i:], ' ')
			if j < 0 {
				dst[key] = s[i:]
				i = n
			} else {
				dst[key] = s[i : i+j]
				i += j
			}
		}
	}
	return nil
}

// scanQuoted consumes a double-quoted string starting at s[start] == '"',
// returning the unescaped contents and the index past the closing quote
func scanQuoted(s string, start int) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(s) {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("dangling escape in %q", s[start:])
			}
			b.WriteByte(s[i+1])
			i += 2
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string in %q", s[start:])
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ParseFloatArray parses a `[v1,v2,...]` wire array into doubles.
// Malformed elements are skipped, so the result may be shorter than the
// element count; callers decide what a short read means.
func ParseFloatArray(s string) []float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ParseStringList parses a `["a","b",...]` or bare CSV wire list into
// strings, dropping empties
func ParseStringList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
