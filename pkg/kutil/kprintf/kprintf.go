// Package kprintf reimplements the kernel's variadic printf-style
// formatter: a precise, deliberately small set of conversions independent of
// the host language's own fmt package, since the original klibc printf is a
// named component of the kernel (spec design note "N: Kernel utilities").
//
// Recognized conversions: %d %i %u %o %x %X %p %c %s %%
// Flags: # 0 - + space
// Width and precision: decimal digits, optionally with a '.'
// Length modifiers (parsed and accepted, but Go has no narrower int types to
// act on beyond what the verb already implies): h hh l ll L j z t
package kprintf

import (
	"strconv"
	"strings"
)

// Sprintf formats args according to format and returns the result. Unlike
// fmt.Sprintf, only the conversions and flags documented above are
// recognized; an incomplete conversion at the end of the string is emitted
// verbatim.
func Sprintf(format string, args ...any) string {
	var b strings.Builder
	argi := 0
	nextArg := func() any {
		if argi < len(args) {
			v := args[argi]
			argi++
			return v
		}
		return nil
	}

	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}

		start := i
		i++
		if i >= len(format) {
			b.WriteByte('%')
			break
		}

		spec, ok := parseSpec(format, &i)
		if !ok {
			b.WriteString(format[start:i])
			continue
		}

		switch spec.verb {
		case '%':
			b.WriteByte('%')
		case 'd', 'i':
			writeInt(&b, spec, toInt64(nextArg()))
		case 'u':
			writeUint(&b, spec, 10, false, toUint64(nextArg()))
		case 'o':
			writeUint(&b, spec, 8, false, toUint64(nextArg()))
		case 'x':
			writeUint(&b, spec, 16, false, toUint64(nextArg()))
		case 'X':
			writeUint(&b, spec, 16, true, toUint64(nextArg()))
		case 'p':
			writeUint(&b, spec, 16, false, toUint64(nextArg()))
		case 'c':
			b.WriteByte(byte(toInt64(nextArg())))
		case 's':
			writeString(&b, spec, toString(nextArg()))
		default:
			b.WriteString(format[start:i])
		}
	}
	return b.String()
}

type flags struct {
	alt, zero, left, plus, space bool
}

type spec struct {
	flags     flags
	width     int
	hasWidth  bool
	precision int
	hasPrec   bool
	verb      byte
}

// parseSpec parses the conversion beginning after the '%' at *i, advancing
// *i past it. Returns ok=false (leaving *i at the first unrecognized byte)
// if the format string ends before a verb is found.
func parseSpec(format string, i *int) (spec, bool) {
	var s spec

	for *i < len(format) {
		switch format[*i] {
		case '#':
			s.flags.alt = true
		case '0':
			s.flags.zero = true
		case '-':
			s.flags.left = true
		case '+':
			s.flags.plus = true
		case ' ':
			s.flags.space = true
		default:
			goto width
		}
		*i++
	}

width:
	widthStart := *i
	for *i < len(format) && isDigit(format[*i]) {
		*i++
	}
	if *i > widthStart {
		s.width, _ = strconv.Atoi(format[widthStart:*i])
		s.hasWidth = true
	}

	if *i < len(format) && format[*i] == '.' {
		*i++
		precStart := *i
		for *i < len(format) && isDigit(format[*i]) {
			*i++
		}
		s.precision, _ = strconv.Atoi(format[precStart:*i])
		s.hasPrec = true
	}

	// Length modifiers: h, hh, l, ll, L, j, z, t. Consumed and ignored -
	// Go's int64/uint64 plumbing already covers every width they select.
	for *i < len(format) {
		switch format[*i] {
		case 'h', 'l':
			*i++
			continue
		case 'L', 'j', 'z', 't':
			*i++
			continue
		}
		break
	}

	if *i >= len(format) {
		return s, false
	}
	s.verb = format[*i]
	*i++
	return s, true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func pad(b *strings.Builder, s spec, body string, signPrefix string) {
	total := len(signPrefix) + len(body)
	if !s.hasWidth || s.width <= total {
		b.WriteString(signPrefix)
		b.WriteString(body)
		return
	}
	padLen := s.width - total
	if s.flags.left {
		b.WriteString(signPrefix)
		b.WriteString(body)
		b.WriteString(strings.Repeat(" ", padLen))
		return
	}
	if s.flags.zero && !s.hasPrec {
		b.WriteString(signPrefix)
		b.WriteString(strings.Repeat("0", padLen))
		b.WriteString(body)
		return
	}
	b.WriteString(strings.Repeat(" ", padLen))
	b.WriteString(signPrefix)
	b.WriteString(body)
}

func writeInt(b *strings.Builder, s spec, v int64) {
	neg := v < 0
	u := uint64(v)
	if neg {
		u = uint64(-v)
	}
	digits := strconv.FormatUint(u, 10)
	if s.hasPrec && len(digits) < s.precision {
		digits = strings.Repeat("0", s.precision-len(digits)) + digits
	}
	sign := ""
	if neg {
		sign = "-"
	} else if s.flags.plus {
		sign = "+"
	} else if s.flags.space {
		sign = " "
	}
	pad(b, s, digits, sign)
}

func writeUint(b *strings.Builder, s spec, base int, upper bool, v uint64) {
	digits := strconv.FormatUint(v, base)
	if upper {
		digits = strings.ToUpper(digits)
	}
	if s.hasPrec && len(digits) < s.precision {
		digits = strings.Repeat("0", s.precision-len(digits)) + digits
	}
	prefix := ""
	if s.flags.alt && v != 0 {
		switch base {
		case 8:
			if digits[0] != '0' {
				prefix = "0"
			}
		case 16:
			if upper {
				prefix = "0X"
			} else {
				prefix = "0x"
			}
		}
	}
	pad(b, s, digits, prefix)
}

func writeString(b *strings.Builder, s spec, v string) {
	if s.hasPrec && len(v) > s.precision {
		v = v[:s.precision]
	}
	pad(b, s, v, "")
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case uintptr:
		return int64(t)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch t := v.(type) {
	case int:
		return uint64(t)
	case int8:
		return uint64(t)
	case int16:
		return uint64(t)
	case int32:
		return uint64(t)
	case int64:
		return uint64(t)
	case uint:
		return uint64(t)
	case uint8:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint32:
		return uint64(t)
	case uint64:
		return t
	case uintptr:
		return uint64(t)
	default:
		return 0
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return "(null)"
	default:
		return ""
	}
}
