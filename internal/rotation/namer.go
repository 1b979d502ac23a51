package rotation

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// DefaultPattern names files after their open time.
const DefaultPattern = "%Y-%m-%d_%H%M%S"

// Namer produces output file paths from a strftime pattern. Besides the
// standard conversions it understands %f (microseconds, zero padded).
type Namer struct {
	dir     string
	ext     string
	pattern *strftime.Strftime
}

// NewNamer compiles pattern. ext (for example ".mcap") is appended unless the
// formatted name already ends with it.
func NewNamer(dir, pattern, ext string) (*Namer, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	ss := strftime.NewSpecificationSet()
	if err := ss.Set('f', strftime.AppendFunc(appendMicros)); err != nil {
		return nil, fmt.Errorf("registering %%f: %w", err)
	}
	p, err := strftime.New(pattern, strftime.WithSpecificationSet(ss))
	if err != nil {
		return nil, fmt.Errorf("%w: file name pattern %q: %v", ErrInvalidPolicy, pattern, err)
	}
	return &Namer{dir: dir, ext: ext, pattern: p}, nil
}

// Dir returns the output folder.
func (n *Namer) Dir() string {
	return n.dir
}

// Path returns the candidate path for time t. attempt > 0 adds a numeric
// suffix used to step around existing files.
func (n *Namer) Path(t time.Time, attempt int) string {
	base := strings.TrimSuffix(n.pattern.FormatString(t), n.ext)
	if attempt > 0 {
		base += "-" + strconv.Itoa(attempt)
	}
	return filepath.Join(n.dir, base+n.ext)
}

func appendMicros(b []byte, t time.Time) []byte {
	us := t.Nanosecond() / int(time.Microsecond)
	s := strconv.Itoa(us)
	for i := len(s); i < 6; i++ {
		b = append(b, '0')
	}
	return append(b, s...)
}
