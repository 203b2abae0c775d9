package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/Witriol/tapedeck/internal/model"
	"github.com/Witriol/tapedeck/internal/queue"
)

var ErrGIDNotFound = errors.New("aria2_gid_not_found")

type Aria2Client struct {
	Endpoint string
	Secret   string
	Client   *http.Client
}

func NewAria2Client(endpoint, secret string) *Aria2Client {
	return &Aria2Client{
		Endpoint: endpoint,
		Secret:   secret,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Aria2Client) call(ctx context.Context, method string, params []any, out any) error {
	p := params
	if a.Secret != "" {
		p = append([]any{"token:" + a.Secret}, params...)
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "tapedeck", Method: method, Params: p})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		if isGIDNotFoundMessage(rpcResp.Error.Message) {
			return fmt.Errorf("%w: %s", ErrGIDNotFound, rpcResp.Error.Message)
		}
		return fmt.Errorf("aria2_rpc_error:%d:%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func isGIDNotFoundMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "no such download") || strings.Contains(m, "cannot be found") || strings.Contains(m, "not found")
}

func (a *Aria2Client) AddURI(ctx context.Context, uri string, options map[string]string) (string, error) {
	params := []any{[]string{uri}, options}
	var gid string
	if err := a.call(ctx, "aria2.addUri", params, &gid); err != nil {
		return "", err
	}
	return gid, nil
}

type Status struct {
	GID           string `json:"gid"`
	Status        string `json:"status"`
	TotalLength   string `json:"totalLength"`
	CompletedLen  string `json:"completedLength"`
	DownloadSpeed string `json:"downloadSpeed"`
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
	Files         []struct {
		Path string `json:"path"`
	} `json:"files"`
}

func (a *Aria2Client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	var st Status
	params := []any{gid, []string{"gid", "status", "totalLength", "completedLength", "downloadSpeed", "errorCode", "errorMessage", "files"}}
	if err := a.call(ctx, "aria2.tellStatus", params, &st); err != nil {
		return nil, err
	}
	if st.GID == "" {
		return nil, errors.New("aria2_empty_status")
	}
	return &st, nil
}

func (a *Aria2Client) Remove(ctx context.Context, gid string) error {
	return a.call(ctx, "aria2.remove", []any{gid}, nil)
}

// Aria2 downloads an item's source URI through an aria2 daemon, polling
// its status until the transfer completes.
type Aria2 struct {
	Client    *Aria2Client
	PollEvery time.Duration
}

func (d *Aria2) Download(ctx context.Context, req queue.Request, onProgress func(model.ProgressUpdate)) (string, error) {
	options := map[string]string{"dir": req.OutputDir}
	gid, err := d.Client.AddURI(ctx, req.Source, options)
	if err != nil {
		return "", fmt.Errorf("aria2 add: %w", err)
	}
	logger := log.With().Str("id", req.ID).Str("gid", gid).Logger()
	logger.Info().Msg("aria2 download started")

	every := d.PollEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.remove(gid)
			return "", ctx.Err()
		case <-ticker.C:
		}
		if req.Cancelled != nil && req.Cancelled() {
			d.remove(gid)
			return "", ErrCancelled
		}
		st, err := d.Client.TellStatus(ctx, gid)
		if err != nil {
			if errors.Is(err, ErrGIDNotFound) {
				return "", err
			}
			if ctx.Err() != nil {
				continue
			}
			logger.Warn().Err(err).Msg("aria2 status")
			continue
		}
		switch st.Status {
		case "complete":
			if len(st.Files) > 0 {
				return st.Files[0].Path, nil
			}
			return "", nil
		case "error":
			msg := st.ErrorMessage
			if msg == "" {
				msg = "download error"
			}
			if st.ErrorCode != "" && st.ErrorCode != "0" {
				msg = fmt.Sprintf("%s (code %s)", msg, st.ErrorCode)
			}
			return "", errors.New(msg)
		case "removed":
			return "", errors.New("download removed from aria2")
		default:
			onProgress(aria2Progress(st))
		}
	}
}

func (d *Aria2) remove(gid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Client.Remove(ctx, gid); err != nil && !errors.Is(err, ErrGIDNotFound) {
		log.Warn().Err(err).Str("gid", gid).Msg("aria2 remove")
	}
}

func aria2Progress(st *Status) model.ProgressUpdate {
	done, _ := strconv.ParseInt(st.CompletedLen, 10, 64)
	total, _ := strconv.ParseInt(st.TotalLength, 10, 64)
	speed, _ := strconv.ParseInt(st.DownloadSpeed, 10, 64)
	u := model.ProgressUpdate{}
	if total > 0 {
		u.Percent = float64(done) * 100 / float64(total)
		u.Size = humanize.Bytes(uint64(total))
	}
	if speed > 0 {
		u.Speed = humanize.Bytes(uint64(speed)) + "/s"
		if total > done {
			u.ETA = formatETA(time.Duration((total-done)/speed) * time.Second)
		}
	}
	return u
}

func formatETA(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

var _ queue.Downloader = (*Aria2)(nil)
