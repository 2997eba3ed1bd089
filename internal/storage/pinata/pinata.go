package pinata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"decendata/internal/storage"
)

const (
	defaultTimeout = 5 * time.Minute
	pinListPage    = 1000
	defaultAppTag  = "decendata"
	// appKey 标记由本服务固定的内容，对账只处理带此标记的 pin
	appKey = "app"
)

// Config 是 Pinata 客户端配置。
type Config struct {
	APIURL     string
	GatewayURL string
	JWT        string
	Timeout    time.Duration
	// AppTag 写入每个 pin 的 keyvalues，为空时使用 "decendata"。
	AppTag string
	// Transport 为空时使用带追踪的默认 Transport。
	Transport http.RoundTripper
}

// Client 通过 Pinata 固定服务把内容写入 IPFS。
type Client struct {
	apiURL     string
	gatewayURL string
	appTag     string
	http       *http.Client
}

var _ storage.BlobStore = (*Client)(nil)

// bearerTransport 为每个请求附加 Pinata JWT。
type bearerTransport struct {
	T     http.RoundTripper
	Token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.Token)
	if t.T == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.T.RoundTrip(req)
}

// New 创建客户端。
func New(cfg Config) (*Client, error) {
	if cfg.JWT == "" {
		return nil, fmt.Errorf("pinata jwt is required")
	}
	if cfg.APIURL == "" || cfg.GatewayURL == "" {
		return nil, fmt.Errorf("pinata api and gateway urls are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := cfg.Transport
	if base == nil {
		base = otelhttp.NewTransport(http.DefaultTransport)
	}
	appTag := cfg.AppTag
	if appTag == "" {
		appTag = defaultAppTag
	}

	return &Client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		appTag:     appTag,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &bearerTransport{T: base, Token: cfg.JWT},
		},
	}, nil
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type pinataMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

// Pin 以 multipart 流式上传到 /pinning/pinFileToIPFS。
func (c *Client) Pin(ctx context.Context, r io.Reader, name string, meta map[string]string) (storage.PinResult, error) {
	kv := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		kv[k] = v
	}
	kv[appKey] = c.appTag
	metaJSON, err := json.Marshal(pinataMetadata{Name: name, KeyValues: kv})
	if err != nil {
		return storage.PinResult{}, fmt.Errorf("encode pinata metadata: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counter := &countingReader{r: r}
	done := make(chan struct{})

	go func() {
		defer close(done)
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, counter); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("pinataMetadata", string(metaJSON)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/pinning/pinFileToIPFS", pr)
	if err != nil {
		pr.Close()
		return storage.PinResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return storage.PinResult{}, fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		pr.CloseWithError(fmt.Errorf("pinata rejected upload"))
		return storage.PinResult{}, statusError("pin", resp)
	}

	var out pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return storage.PinResult{}, fmt.Errorf("decode pin response: %w", err)
	}
	if out.IpfsHash == "" {
		return storage.PinResult{}, fmt.Errorf("pin response missing IpfsHash")
	}

	pr.Close()
	<-done
	return storage.PinResult{ContentHash: out.IpfsHash, Size: counter.n}, nil
}

// Fetch 经网关读取内容。
func (c *Client) Fetch(ctx context.Context, hash string) (io.ReadCloser, error) {
	if !storage.ValidHash(hash) {
		return nil, storage.ErrInvalidHash
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL+"/ipfs/"+hash, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, storage.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		defer resp.Body.Close()
		return nil, statusError("fetch", resp)
	}
	return resp.Body, nil
}

// Unpin 调用 /pinning/unpin/{hash}，未固定的哈希视为成功。
func (c *Client) Unpin(ctx context.Context, hash string) error {
	if !storage.ValidHash(hash) {
		return storage.ErrInvalidHash
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL+"/pinning/unpin/"+hash, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("unpin request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError("unpin", resp)
}

type pinListResponse struct {
	Count int `json:"count"`
	Rows  []struct {
		IpfsPinHash string    `json:"ipfs_pin_hash"`
		Size        int64     `json:"size"`
		DatePinned  time.Time `json:"date_pinned"`
		Metadata    struct {
			KeyValues map[string]any `json:"keyvalues"`
		} `json:"metadata"`
	} `json:"rows"`
}

// List 分页读取 /data/pinList，只返回带本服务标记的 pin，账户中的其他内容不参与对账。
func (c *Client) List(ctx context.Context) ([]storage.PinInfo, error) {
	filter, err := json.Marshal(map[string]any{
		appKey: map[string]string{"value": c.appTag, "op": "eq"},
	})
	if err != nil {
		return nil, fmt.Errorf("encode pin list filter: %w", err)
	}

	var pins []storage.PinInfo
	for offset := 0; ; offset += pinListPage {
		q := url.Values{}
		q.Set("status", "pinned")
		q.Set("metadata[keyvalues]", string(filter))
		q.Set("pageLimit", fmt.Sprint(pinListPage))
		q.Set("pageOffset", fmt.Sprint(offset))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/data/pinList?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("pin list request: %w", err)
		}

		var page pinListResponse
		if resp.StatusCode != http.StatusOK {
			err = statusError("pin list", resp)
		} else if decodeErr := json.NewDecoder(resp.Body).Decode(&page); decodeErr != nil {
			err = fmt.Errorf("decode pin list: %w", decodeErr)
		}
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		for _, row := range page.Rows {
			if tag, _ := row.Metadata.KeyValues[appKey].(string); tag != c.appTag {
				continue
			}
			pins = append(pins, storage.PinInfo{ContentHash: row.IpfsPinHash, Size: row.Size, PinnedAt: row.DatePinned})
		}
		if len(page.Rows) < pinListPage || offset+len(page.Rows) >= page.Count {
			return pins, nil
		}
	}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("pinata %s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
