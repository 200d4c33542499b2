package redact

import "go.uber.org/zap/zapcore"

// Core wraps a zapcore.Core so that messages and string fields pass
// through r before they are encoded. Fields named after a sensitive key
// are replaced outright.
func Core(inner zapcore.Core, r *Redactor) zapcore.Core {
	if r == nil {
		return inner
	}
	return &core{Core: inner, r: r}
}

type core struct {
	zapcore.Core
	r *Redactor
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	return &core{Core: c.Core.With(c.scrub(fields)), r: c.r}
}

func (c *core) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *core) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = c.r.Redact(entry.Message)
	return c.Core.Write(entry, c.scrub(fields))
}

func (c *core) scrub(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case f.Type == zapcore.StringType && c.r.IsSensitiveKey(f.Key):
			f.String = Value
		case f.Type == zapcore.StringType:
			f.String = c.r.Redact(f.String)
		case f.Type == zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				f = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: c.r.Redact(err.Error())}
			}
		}
		out[i] = f
	}
	return out
}
