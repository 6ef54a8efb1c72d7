package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/textproto"
	"os/exec"
	"strconv"
	"strings"

	"tileproxy/internal/errs"
	"tileproxy/internal/imaging"
	"tileproxy/internal/srs"
)

// MapserverSource shells out to a local mapserv CGI binary the way the
// teacher's tool commands shell out to helper processes (exec.Command
// with an explicit Env slice and captured Stdout), rather than talking
// HTTP to it: MapServer's CGI mode reads its request from the
// environment (QUERY_STRING, REQUEST_METHOD) and writes a CGI response
// (headers, blank line, body) to stdout.
type MapserverSource struct {
	FeatureInfoUnsupported
	LegendUnsupported

	BinPath   string
	MapFile   string
	LayersVar string // fixed LAYERS value, or "" to pass through req.Layers
}

func NewMapserverSource(binPath, mapFile string) *MapserverSource {
	return &MapserverSource{BinPath: binPath, MapFile: mapFile}
}

func (s *MapserverSource) buildQueryString(req MapRequest, wmsRequest string) string {
	q := make([]string, 0, 10)
	add := func(k, v string) { q = append(q, k+"="+v) }
	add("SERVICE", "WMS")
	add("VERSION", "1.3.0")
	add("REQUEST", wmsRequest)
	layers := s.LayersVar
	if layers == "" {
		layers = strings.Join(req.Layers, ",")
	}
	add("LAYERS", layers)
	add("CRS", req.SRS.Code())
	add("BBOX", fmt.Sprintf("%f,%f,%f,%f", req.Bbox.Min[0], req.Bbox.Min[1], req.Bbox.Max[0], req.Bbox.Max[1]))
	add("WIDTH", strconv.Itoa(req.Width))
	add("HEIGHT", strconv.Itoa(req.Height))
	add("FORMAT", string(req.Format))
	add("MAP", s.MapFile)
	return strings.Join(q, "&")
}

// run invokes mapserv as a CGI process and splits its CGI response
// into headers and body.
func (s *MapserverSource) run(ctx context.Context, queryString string) ([]byte, textproto.MIMEHeader, error) {
	cmd := exec.CommandContext(ctx, s.BinPath)
	cmd.Env = append(cmd.Env,
		"REQUEST_METHOD=GET",
		"QUERY_STRING="+queryString,
		"MS_MAPFILE="+s.MapFile,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: s.BinPath, Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}
	headers, body, err := splitCGIResponse(stdout.Bytes())
	if err != nil {
		return nil, nil, &errs.SourceError{Kind: errs.SourceHTTPError, Source: s.BinPath, Err: err}
	}
	return body, headers, nil
}

func splitCGIResponse(raw []byte) (textproto.MIMEHeader, []byte, error) {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := 4
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
		sep = 2
	}
	if idx < 0 {
		return nil, nil, fmt.Errorf("mapserv: no header/body separator found in response")
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[:idx])))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && hdr == nil {
		return nil, nil, fmt.Errorf("mapserv: parse CGI headers: %w", err)
	}
	return hdr, raw[idx+sep:], nil
}

func (s *MapserverSource) GetMap(ctx context.Context, req MapRequest) (*imaging.Image, error) {
	qs := s.buildQueryString(req, "GetMap")
	body, _, err := s.run(ctx, qs)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(req.Format, body, req.Bbox, req.SRS)
}

func (s *MapserverSource) Supports(target srs.SRS, format imaging.Format) bool {
	return true
}
