package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// FullText is the extracted text content of one attachment item. Char
// counts apply to text documents, page counts to PDFs; the server sends
// whichever pair fits the attachment.
type FullText struct {
	Content      string `json:"content"`
	IndexedChars int64  `json:"indexedChars"`
	TotalChars   int64  `json:"totalChars"`
	IndexedPages int64  `json:"indexedPages"`
	TotalPages   int64  `json:"totalPages"`
}

// FullTextVersions fetches the item key -> content version map of
// full-text entries newer than the given version, plus the current
// library version from the response header. Pass since=0 for all
// indexed content.
func (c *Client) FullTextVersions(
	ctx context.Context, prefix string, since int64,
) (map[string]int64, int64, error) {
	path := fmt.Sprintf("%s/fulltext?since=%d", prefix, since)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	libraryVersion, err := lastModifiedVersion(resp)
	if err != nil {
		return nil, 0, err
	}

	var versions map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, 0, fmt.Errorf("api: decoding fulltext versions: %w", err)
	}

	return versions, libraryVersion, nil
}

// FullTextContent fetches the extracted text for one attachment item,
// plus the content version from the response header.
func (c *Client) FullTextContent(
	ctx context.Context, prefix, key string,
) (*FullText, int64, error) {
	path := fmt.Sprintf("%s/items/%s/fulltext", prefix, key)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	version, err := lastModifiedVersion(resp)
	if err != nil {
		return nil, 0, err
	}

	var content FullText
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, 0, fmt.Errorf("api: decoding fulltext content: %w", err)
	}

	return &content, version, nil
}
