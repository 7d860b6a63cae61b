package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// TweetMaxLen 平台单条推文字符预算
const TweetMaxLen = 280

// TwitterAdapter 短内容发单条推文；超限内容经 Split 切分后
// 按序以 reply 链发布，external id 取首条推文（线程根）。
// 中途失败不回删已发推文，残缺线程是已知且可接受的失败形态。
type TwitterAdapter struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewTwitterAdapter interval 是线程内相邻两次调用的固定间隔（限流要求）
func NewTwitterAdapter(client *http.Client, baseURL string, interval time.Duration) *TwitterAdapter {
	if interval <= 0 {
		interval = time.Second
	}
	return &TwitterAdapter{
		client:  client,
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (a *TwitterAdapter) Publish(ctx context.Context, creds Credentials, content, imageURL string) (*PostResult, error) {
	if creds.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	if utf8.RuneCountInString(content) <= TweetMaxLen {
		id, err := a.postTweet(ctx, creds.AccessToken, content, "")
		if err != nil {
			return nil, err
		}
		return &PostResult{ExternalID: id, URL: tweetURL(id)}, nil
	}

	chunks := Split(content, TweetMaxLen)
	rootID := ""
	prevID := ""
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, &UpstreamError{Platform: Twitter, Op: "thread", Err: err}
		}
		id, err := a.postTweet(ctx, creds.AccessToken, chunk, prevID)
		if err != nil {
			return nil, fmt.Errorf("thread tweet %d/%d failed (posted root %q): %w", i+1, len(chunks), rootID, err)
		}
		if rootID == "" {
			rootID = id
		}
		prevID = id
	}
	return &PostResult{ExternalID: rootID, URL: tweetURL(rootID)}, nil
}

type tweetRequest struct {
	Text  string `json:"text"`
	Reply *struct {
		InReplyToTweetID string `json:"in_reply_to_tweet_id"`
	} `json:"reply,omitempty"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *TwitterAdapter) postTweet(ctx context.Context, token, text, inReplyTo string) (string, error) {
	body := tweetRequest{Text: text}
	if inReplyTo != "" {
		body.Reply = &struct {
			InReplyToTweetID string `json:"in_reply_to_tweet_id"`
		}{InReplyToTweetID: inReplyTo}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &UpstreamError{Platform: Twitter, Op: "encode", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return "", &UpstreamError{Platform: Twitter, Op: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &UpstreamError{Platform: Twitter, Op: "createTweet", Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{Platform: Twitter, Op: "createTweet", Status: resp.StatusCode, Body: string(raw)}
	}
	var out tweetResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &UpstreamError{Platform: Twitter, Op: "createTweet", Err: err}
	}
	if out.Data.ID == "" {
		return "", &UpstreamError{Platform: Twitter, Op: "createTweet", Status: resp.StatusCode, Body: string(raw)}
	}
	return out.Data.ID, nil
}

func tweetURL(id string) string { return "https://twitter.com/i/web/status/" + id }
