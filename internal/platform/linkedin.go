package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// LinkedInAdapter 纯文本走单次 UGC 调用；带图走三步串行协议：
// initializeUpload -> 上传字节 -> 引用 media URN 建帖。
// 任何一步失败整体中止，LinkedIn 不会基于残缺 media 引用落帖。
type LinkedInAdapter struct {
	client  *http.Client
	baseURL string
	version string
}

func NewLinkedInAdapter(client *http.Client, baseURL, version string) *LinkedInAdapter {
	return &LinkedInAdapter{client: client, baseURL: baseURL, version: version}
}

func (a *LinkedInAdapter) Publish(ctx context.Context, creds Credentials, content, imageURL string) (*PostResult, error) {
	if creds.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	if creds.ProviderUserID == "" {
		return nil, fmt.Errorf("linkedin: missing provider user id for author urn")
	}
	author := "urn:li:person:" + creds.ProviderUserID

	mediaURN := ""
	if imageURL != "" {
		uploadURL, urn, err := a.initializeUpload(ctx, creds.AccessToken, author)
		if err != nil {
			return nil, err
		}
		if err := a.uploadImage(ctx, creds.AccessToken, uploadURL, imageURL); err != nil {
			return nil, err
		}
		mediaURN = urn
	}
	return a.createPost(ctx, creds.AccessToken, author, content, mediaURN)
}

type initializeUploadResponse struct {
	Value struct {
		UploadURL string `json:"uploadUrl"`
		Image     string `json:"image"`
	} `json:"value"`
}

// initializeUpload 第一步：为作者开一个上传会话，拿 uploadUrl 和 media URN
func (a *LinkedInAdapter) initializeUpload(ctx context.Context, token, author string) (string, string, error) {
	body := map[string]any{
		"initializeUploadRequest": map[string]any{"owner": author},
	}
	resp, raw, err := a.doJSON(ctx, token, http.MethodPost, a.baseURL+"/rest/images?action=initializeUpload", body)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", "", &UpstreamError{Platform: LinkedIn, Op: "initializeUpload", Status: resp.StatusCode, Body: string(raw)}
	}
	var out initializeUploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "", &UpstreamError{Platform: LinkedIn, Op: "initializeUpload", Err: err}
	}
	if out.Value.UploadURL == "" || out.Value.Image == "" {
		return "", "", &UpstreamError{Platform: LinkedIn, Op: "initializeUpload", Status: resp.StatusCode, Body: string(raw)}
	}
	return out.Value.UploadURL, out.Value.Image, nil
}

// uploadImage 第二步：拉取源图字节并 PUT 到上传地址
func (a *LinkedInAdapter) uploadImage(ctx context.Context, token, uploadURL, imageURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return &UpstreamError{Platform: LinkedIn, Op: "fetchImage", Err: err}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &UpstreamError{Platform: LinkedIn, Op: "fetchImage", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{Platform: LinkedIn, Op: "fetchImage", Status: resp.StatusCode, Body: imageURL}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{Platform: LinkedIn, Op: "fetchImage", Err: err}
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return &UpstreamError{Platform: LinkedIn, Op: "uploadImage", Err: err}
	}
	put.Header.Set("Authorization", "Bearer "+token)
	put.Header.Set("Content-Type", "application/octet-stream")
	putResp, err := a.client.Do(put)
	if err != nil {
		return &UpstreamError{Platform: LinkedIn, Op: "uploadImage", Err: err}
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK && putResp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(putResp.Body)
		return &UpstreamError{Platform: LinkedIn, Op: "uploadImage", Status: putResp.StatusCode, Body: string(raw)}
	}
	return nil
}

// createPost 建帖；成功的判据是响应头 x-restli-id 带回帖子标识
func (a *LinkedInAdapter) createPost(ctx context.Context, token, author, content, mediaURN string) (*PostResult, error) {
	body := map[string]any{
		"author":     author,
		"commentary": content,
		"visibility": "PUBLIC",
		"distribution": map[string]any{
			"feedDistribution":               "MAIN_FEED",
			"targetEntities":                 []any{},
			"thirdPartyDistributionChannels": []any{},
		},
		"lifecycleState":            "PUBLISHED",
		"isReshareDisabledByAuthor": false,
	}
	if mediaURN != "" {
		body["content"] = map[string]any{"media": map[string]any{"id": mediaURN}}
	}
	resp, raw, err := a.doJSON(ctx, token, http.MethodPost, a.baseURL+"/rest/posts", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Platform: LinkedIn, Op: "createPost", Status: resp.StatusCode, Body: string(raw)}
	}
	postID := resp.Header.Get("x-restli-id")
	if postID == "" {
		return nil, &UpstreamError{Platform: LinkedIn, Op: "createPost", Status: resp.StatusCode, Body: "missing x-restli-id header"}
	}
	return &PostResult{
		ExternalID: postID,
		URL:        "https://www.linkedin.com/feed/update/" + postID,
	}, nil
}

// doJSON 发送带版本头的 JSON 请求，返回响应和已读出的 body
func (a *LinkedInAdapter) doJSON(ctx context.Context, token, method, url string, body any) (*http.Response, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, &UpstreamError{Platform: LinkedIn, Op: "encode", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, &UpstreamError{Platform: LinkedIn, Op: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("LinkedIn-Version", a.version)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, &UpstreamError{Platform: LinkedIn, Op: "request", Err: err}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, nil, &UpstreamError{Platform: LinkedIn, Op: "read", Err: err}
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp, raw, nil
}
