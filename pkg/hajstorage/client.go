package hajstorage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strconv"

	"github.com/function61/gokit/ezhttp"
	"github.com/function61/hajautus/pkg/hajtypes"
)

// client for a storage server's REST API. account is the lease owner (key or name), empty
// for anonymous
type Client struct {
	baseURL string
	account string
}

func NewClient(baseURL string, account string) *Client {
	return &Client{
		baseURL: baseURL,
		account: account,
	}
}

func (c *Client) UploadShare(ctx context.Context, si hajtypes.StorageIndex, shnum hajtypes.ShareNumber, content []byte) error {
	_, err := ezhttp.Put(
		ctx,
		c.shareURL(si, shnum),
		ezhttp.SendBody(bytes.NewReader(content), "application/octet-stream"))
	return err
}

func (c *Client) DownloadShare(ctx context.Context, si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) ([]byte, error) {
	resp, err := ezhttp.Get(ctx, c.shareURL(si, shnum))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) ListShares(ctx context.Context, si hajtypes.StorageIndex) (*SharesetInfo, error) {
	out := &SharesetInfo{}
	_, err := ezhttp.Get(ctx, c.url("/api/shares/"+si.String(), nil), ezhttp.RespondsJson(out, false))
	return out, err
}

// WholeObject renews every share of si
func (c *Client) RenewLeases(ctx context.Context, si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) (*RenewLeasesOutput, error) {
	query := url.Values{}
	if !shnum.IsWholeObject() {
		query.Set("shnum", strconv.Itoa(int(shnum)))
	}

	out := &RenewLeasesOutput{}
	_, err := ezhttp.Post(ctx, c.url("/api/leases/"+si.String()+"/renew", query), ezhttp.RespondsJson(out, false))
	return out, err
}

func (c *Client) CancelLease(ctx context.Context, si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) (*CancelLeaseOutput, error) {
	out := &CancelLeaseOutput{}
	_, err := ezhttp.Del(ctx, c.shareURL(si, shnum), ezhttp.RespondsJson(out, false))
	return out, err
}

func (c *Client) Accounts(ctx context.Context) ([]AccountUsage, error) {
	out := []AccountUsage{}
	_, err := ezhttp.Get(ctx, c.url("/api/accounts", nil), ezhttp.RespondsJson(&out, false))
	return out, err
}

func (c *Client) AccountUsage(ctx context.Context, owner uint64) (*AccountUsage, error) {
	out := &AccountUsage{}
	_, err := ezhttp.Get(
		ctx,
		c.url("/api/accounts/"+strconv.FormatUint(owner, 10)+"/usage", nil),
		ezhttp.RespondsJson(out, false))
	return out, err
}

func (c *Client) UnleasedShares(ctx context.Context) ([]UnleasedShare, error) {
	out := []UnleasedShare{}
	_, err := ezhttp.Get(ctx, c.url("/api/unleased", nil), ezhttp.RespondsJson(&out, false))
	return out, err
}

func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	out := &ServerStatus{}
	_, err := ezhttp.Get(ctx, c.url("/api/status", nil), ezhttp.RespondsJson(out, false))
	return out, err
}

func (c *Client) TriggerJob(ctx context.Context, jobID string) error {
	_, err := ezhttp.Post(ctx, c.url("/api/jobs/"+jobID+"/trigger", nil))
	return err
}

func (c *Client) shareURL(si hajtypes.StorageIndex, shnum hajtypes.ShareNumber) string {
	return c.url("/api/shares/"+si.String()+"/"+strconv.Itoa(int(shnum)), nil)
}

func (c *Client) url(path string, query url.Values) string {
	if c.account != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("account", c.account)
	}

	if len(query) == 0 {
		return c.baseURL + path
	}

	return c.baseURL + path + "?" + query.Encode()
}
