package secrets

import "github.com/sirupsen/logrus"

// Formatter wraps a logrus formatter and masks credential values in the
// serialized entry. The bus hook masks its mirror separately; this
// covers the stdout and file sinks, including error fields that embed a
// token in a remote URL.
type Formatter struct {
	Inner logrus.Formatter
	Mask  func(string) string
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	inner := f.Inner
	if inner == nil {
		inner = &logrus.TextFormatter{}
	}
	out, err := inner.Format(entry)
	if err != nil {
		return nil, err
	}
	if f.Mask == nil {
		return out, nil
	}
	return []byte(f.Mask(string(out))), nil
}
