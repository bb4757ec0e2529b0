package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Consumer returns the consumer credential used for OAuth1 signing. The
// first call fetches it from the bootstrap endpoint; concurrent first calls
// share a single fetch. Later calls return the cached value.
//
// The shared fetch is detached from any one caller's ctx and bounded by
// RefreshTimeout, so a caller that gives up returns ctx.Err() without
// failing the others.
func (c *Client) Consumer(ctx context.Context) (ConsumerCredential, error) {
	c.consumerMu.RLock()
	cached := c.consumer
	c.consumerMu.RUnlock()
	if cached != nil {
		return *cached, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.consumerGroup.DoChan("consumer", func() (any, error) {
		// Another flight may have filled the cache between our check and DoChan.
		c.consumerMu.RLock()
		cached := c.consumer
		c.consumerMu.RUnlock()
		if cached != nil {
			return *cached, nil
		}

		ctx, cancel := context.WithTimeout(fetchCtx, c.refreshTimeout())
		defer cancel()

		consumer, err := c.fetchConsumer(ctx)
		if err != nil {
			return nil, err
		}

		c.consumerMu.Lock()
		c.consumer = &consumer
		c.consumerMu.Unlock()
		return consumer, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return ConsumerCredential{}, res.Err
		}
		if res.Shared {
			c.log(ctx).Debug("consumer credential fetch shared")
		}
		return res.Val.(ConsumerCredential), nil
	case <-ctx.Done():
		return ConsumerCredential{}, ctx.Err()
	}
}

func (c *Client) fetchConsumer(ctx context.Context) (ConsumerCredential, error) {
	endpoint := c.Endpoints.Consumer
	log := c.log(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ConsumerCredential{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ConsumerCredential{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Warn("consumer credential fetch failed", "status", resp.StatusCode)
		return ConsumerCredential{}, ErrConsumerFetchFailed.withResponse(endpoint, resp.StatusCode)
	}

	var consumer ConsumerCredential
	if err := json.NewDecoder(resp.Body).Decode(&consumer); err != nil {
		return ConsumerCredential{}, ErrConsumerFetchFailed.withResponse(endpoint, resp.StatusCode).wrap(err)
	}
	if consumer.Key == "" || consumer.Secret == "" {
		err := ErrConsumerFetchFailed.withResponse(endpoint, resp.StatusCode)
		err.Description = "consumer credential response is missing key or secret"
		return ConsumerCredential{}, err
	}

	log.Debug("consumer credential fetched")
	return consumer, nil
}
