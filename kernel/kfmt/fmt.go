package kfmt

import "io"

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxBufSize]byte

	// earlyPrintBuffer keeps Printf output produced before an output sink
	// has been attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives all Printf output. When nil, output is captured
	// by earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the writer that currently receives Printf output. If
// no sink is attached, the early ring buffer is returned.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf formats its arguments and writes them to the active output sink.
//
// The supported verbs are a subset of the ones implemented by fmt.Printf:
//
//	%s  string or byte slice
//	%d  base 10 integer
//	%o  base 8 integer
//	%x  base 16 integer, lower-case a-f
//	%t  boolean
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		start    int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			continue
		}

		if start < i {
			writeString(w, format[start:i])
		}

		padLen := 0
		i++
	verb:
		for ; i < fmtLen; i++ {
			ch := format[i]
			switch {
			case ch == '%':
				writeString(w, "%")
				break verb
			case ch >= '0' && ch <= '9':
				padLen = padLen*10 + int(ch-'0')
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					break verb
				}

				switch ch {
				case 'o':
					fmtInt(w, args[argIndex], 8, padLen)
				case 'd':
					fmtInt(w, args[argIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[argIndex], 16, padLen)
				case 's':
					fmtString(w, args[argIndex], padLen)
				case 't':
					fmtBool(w, args[argIndex])
				}
				argIndex++
				break verb
			default:
				doWrite(w, errNoVerb)
				break verb
			}
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
		}
		start = i + 1
	}

	if start < fmtLen {
		writeString(w, format[start:])
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, padLen int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(s))
		writeString(w, s)
	case []byte:
		fmtRepeat(w, ' ', padLen-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		doWrite(w, []byte{ch})
	}
}

// fmtInt writes v in the requested base applying padLen. All built-in
// integer types are supported.
func fmtInt(w io.Writer, v interface{}, base uint64, padLen int) {
	var (
		uval     uint64
		negative bool
		padCh    = byte('0')
	)

	if base == 10 {
		padCh = ' '
	}
	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, negative = abs(int64(t))
	case int16:
		uval, negative = abs(int64(t))
	case int32:
		uval, negative = abs(int64(t))
	case int64:
		uval, negative = abs(t)
	case int:
		uval, negative = abs(int64(t))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// Digits are produced right to left.
	end := maxBufSize
	pos := end
	for {
		digit := uval % base
		pos--
		if digit < 10 {
			numFmtBuf[pos] = byte(digit) + '0'
		} else {
			numFmtBuf[pos] = byte(digit-10) + 'a'
		}
		uval /= base
		if uval == 0 {
			break
		}
	}

	if negative && padCh == ' ' {
		pos--
		numFmtBuf[pos] = '-'
	}
	width := padLen
	if negative && padCh == '0' {
		width--
	}
	for end-pos < width && pos > 1 {
		pos--
		numFmtBuf[pos] = padCh
	}
	if negative && padCh == '0' {
		pos--
		numFmtBuf[pos] = '-'
	}

	doWrite(w, numFmtBuf[pos:end])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeString(w io.Writer, s string) {
	doWrite(w, []byte(s))
}

func doWrite(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
		return
	}
	earlyPrintBuffer.Write(p)
}
