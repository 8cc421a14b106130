package qbt

import (
	"context"
	"fmt"
	"strconv"
)

// BuildInfo is the app/buildInfo response.
type BuildInfo struct {
	Qt         string `json:"qt"`
	Libtorrent string `json:"libtorrent"`
	Boost      string `json:"boost"`
	OpenSSL    string `json:"openssl"`
	Bitness    int    `json:"bitness"`
}

// Version returns the application version, e.g. "v4.6.2".
func (c *Client) Version(ctx context.Context) (string, error) {
	return c.getText(ctx, "app/version")
}

// WebAPIVersion returns the Web API version, e.g. "2.9.3".
func (c *Client) WebAPIVersion(ctx context.Context) (string, error) {
	return c.getText(ctx, "app/webapiVersion")
}

// BuildInfo returns the library versions qBittorrent was built with.
func (c *Client) BuildInfo(ctx context.Context) (*BuildInfo, error) {
	var bi BuildInfo
	if err := c.getJSON(ctx, "app/buildInfo", nil, &bi); err != nil {
		return nil, err
	}
	return &bi, nil
}

// DefaultSavePath returns the default download directory.
func (c *Client) DefaultSavePath(ctx context.Context) (string, error) {
	return c.getText(ctx, "app/defaultSavePath")
}

// ConnectionStatus is the global connection state.
type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Firewalled   ConnectionStatus = "firewalled"
	Disconnected ConnectionStatus = "disconnected"
)

// TransferInfo is the transfer/info response.
type TransferInfo struct {
	DlInfoSpeed      int64            `json:"dl_info_speed"`
	DlInfoData       int64            `json:"dl_info_data"`
	UpInfoSpeed      int64            `json:"up_info_speed"`
	UpInfoData       int64            `json:"up_info_data"`
	DlRateLimit      int64            `json:"dl_rate_limit"`
	UpRateLimit      int64            `json:"up_rate_limit"`
	DHTNodes         int64            `json:"dht_nodes"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
}

// TransferInfo returns global transfer statistics.
func (c *Client) TransferInfo(ctx context.Context) (*TransferInfo, error) {
	var ti TransferInfo
	if err := c.getJSON(ctx, "transfer/info", nil, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

// SpeedLimitsMode reports whether the alternative speed limits are active.
func (c *Client) SpeedLimitsMode(ctx context.Context) (bool, error) {
	s, err := c.getText(ctx, "transfer/speedLimitsMode")
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// DownloadLimit returns the global download limit in bytes/s, 0 when
// unlimited.
func (c *Client) DownloadLimit(ctx context.Context) (int64, error) {
	return c.getInt(ctx, "transfer/downloadLimit")
}

// UploadLimit returns the global upload limit in bytes/s, 0 when unlimited.
func (c *Client) UploadLimit(ctx context.Context) (int64, error) {
	return c.getInt(ctx, "transfer/uploadLimit")
}

func (c *Client) getInt(ctx context.Context, endpoint string) (int64, error) {
	s, err := c.getText(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", endpoint, err)
	}
	return n, nil
}
