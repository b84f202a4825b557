package logparse

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Field names carried in Event.Fields.
const (
	FieldConvertProgress  = "convert_progress"
	FieldTokenizeProgress = "tokenize_progress"
	FieldTrainProgress    = "train_progress"
	FieldEvalProgress     = "eval_progress"
	FieldLoss             = "loss"
	FieldEvalLoss         = "eval_loss"
)

// Event is one parsed log line. Raw is always the cleaned line, whether or
// not any rule matched.
type Event struct {
	Raw    string                 `json:"raw"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

func (e Event) Float(field string) (float64, bool) {
	v, ok := e.Fields[field].(float64)
	return v, ok
}

func (e Event) Record(field string) (map[string]float64, bool) {
	v, ok := e.Fields[field].(map[string]float64)
	return v, ok
}

type rule struct {
	field     string
	pattern   *regexp.Regexp
	transform func(match []string) (interface{}, bool)
}

var (
	evalMarker = regexp.MustCompile(`\*{5} Running Evaluation \*{5}`)
	recordPair = regexp.MustCompile(`'([A-Za-z_][A-Za-z0-9_/]*)':\s*(-?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?|nan|-?inf)`)
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
)

// rules are evaluated in order; every matching rule contributes its field.
var rules = []rule{
	{
		field:     FieldConvertProgress,
		pattern:   regexp.MustCompile(`Converting format of dataset[^:]*:\s*\d+%\|[^|]*\|\s*(\d+)/(\d+)`),
		transform: fraction,
	},
	{
		field:     FieldTokenizeProgress,
		pattern:   regexp.MustCompile(`Running tokenizer on dataset[^:]*:\s*\d+%\|[^|]*\|\s*(\d+)/(\d+)`),
		transform: fraction,
	},
	{
		// bare tqdm bar with no description, shared by training and evaluation
		field:     FieldTrainProgress,
		pattern:   regexp.MustCompile(`^\s*\d+%\|[^|]*\|\s*(\d+)/(\d+)\s*\[`),
		transform: fraction,
	},
	{
		field:     FieldLoss,
		pattern:   regexp.MustCompile(`^\{'loss':.*\}$`),
		transform: record,
	},
	{
		field:     FieldEvalLoss,
		pattern:   regexp.MustCompile(`^\{'eval_loss':.*\}$`),
		transform: record,
	},
}

// Parser classifies lines from one container. It is not safe for
// concurrent use.
type Parser struct {
	inEval        bool
	trainProgress float64
	haveTrain     bool
}

func NewParser() *Parser {
	return &Parser{}
}

// TrainProgress returns the last training progress seen, if any.
func (p *Parser) TrainProgress() (float64, bool) {
	return p.trainProgress, p.haveTrain
}

func (p *Parser) InEvaluation() bool {
	return p.inEval
}

func (p *Parser) Parse(line string) Event {
	clean := Clean(line)
	ev := Event{Raw: clean}

	if evalMarker.MatchString(clean) {
		p.inEval = true
		return ev
	}

	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		v, ok := r.transform(m)
		if !ok {
			continue
		}
		field := r.field
		switch field {
		case FieldTrainProgress:
			if p.inEval {
				field = FieldEvalProgress
			} else {
				p.trainProgress = v.(float64)
				p.haveTrain = true
			}
		case FieldLoss, FieldEvalLoss:
			p.inEval = false
		}
		if ev.Fields == nil {
			ev.Fields = make(map[string]interface{}, 1)
		}
		ev.Fields[field] = v
	}
	return ev
}

// Stream parses r line by line until EOF or ctx is done. The channel is
// closed when reading stops; a read error other than EOF is sent on errc.
func (p *Parser) Stream(ctx context.Context, r io.Reader) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			ev := p.Parse(sc.Text())
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()
	return out, errc
}

// Clean strips Docker stream frame headers, ANSI escapes and carriage
// return overdraws, keeping only the last rendered segment.
func Clean(line string) string {
	line = stripFrameHeader(line)
	if i := strings.LastIndexByte(strings.TrimRight(line, "\r"), '\r'); i >= 0 {
		line = line[i+1:]
	}
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.TrimRight(line, "\r\n")
}

// stripFrameHeader drops the 8 byte header Docker prepends to each chunk of
// a non-TTY log stream: [stream, 0, 0, 0, size(4, big endian)].
func stripFrameHeader(line string) string {
	for len(line) >= 8 && line[0] <= 2 && line[1] == 0 && line[2] == 0 && line[3] == 0 {
		line = line[8:]
	}
	return line
}

func fraction(m []string) (interface{}, bool) {
	done, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, false
	}
	total, err := strconv.ParseFloat(m[2], 64)
	if err != nil || total <= 0 {
		return nil, false
	}
	return done / total, true
}

func record(m []string) (interface{}, bool) {
	pairs := recordPair.FindAllStringSubmatch(m[0], -1)
	if len(pairs) == 0 {
		return nil, false
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		v, err := strconv.ParseFloat(pair[2], 64)
		if err != nil {
			continue
		}
		out[pair[1]] = v
	}
	return out, len(out) > 0
}
