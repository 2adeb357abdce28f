package sxm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/archivexm/archivexm/pkg/models"
)

// Identifiers of the curated all-channels grouping in the browse API.
const (
	channelGroupingID  = "403ab6a5-d3c9-4c2a-a722-a94a6a5fd056"
	channelContainerID = "3JoBfOCIwo6FmTpzM1S2H7"
	channelSetID       = "5mqCLZ21qAwnufKT8puUiM"

	channelPageSize = 50
)

type channelTexts struct {
	Title       struct{ Default string } `json:"title"`
	Description struct{ Default string } `json:"description"`
}

type channelTileImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type channelItem struct {
	Entity struct {
		ID     string       `json:"id"`
		Texts  channelTexts `json:"texts"`
		Images struct {
			Tile map[string]struct {
				Preferred channelTileImage `json:"preferred"`
			} `json:"tile"`
		} `json:"images"`
	} `json:"entity"`
	Decorations struct {
		Genre string `json:"genre"`
	} `json:"decorations"`
	Actions struct {
		Play []struct {
			Entity struct {
				Type string `json:"type"`
			} `json:"entity"`
		} `json:"play"`
	} `json:"actions"`
}

type channelSet struct {
	Items      []channelItem `json:"items"`
	Pagination struct {
		Offset struct {
			Size int `json:"size"`
		} `json:"offset"`
	} `json:"pagination"`
}

type channelPageResponse struct {
	Page struct {
		Containers []struct {
			Sets []channelSet `json:"sets"`
		} `json:"containers"`
	} `json:"page"`
}

type channelBatchResponse struct {
	Container struct {
		Sets []channelSet `json:"sets"`
	} `json:"container"`
}

// FetchChannels pulls the full channel catalog from the browse API, paging
// through the curated grouping in batches.
func (c *Client) FetchChannels(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel

	err := c.tokens.ExecuteWithRetry(ctx, func(ctx context.Context, token string) error {
		channels = channels[:0]

		initPayload := map[string]interface{}{
			"containerConfiguration": map[string]interface{}{
				channelContainerID: map[string]interface{}{
					"filter": map[string]interface{}{
						"one": map[string]string{"filterId": "all"},
					},
					"sets": map[string]interface{}{
						channelSetID: map[string]interface{}{
							"sort": map[string]string{"sortId": "CHANNEL_NUMBER_ASC"},
						},
					},
				},
			},
			"pagination": map[string]interface{}{
				"offset": map[string]int{
					"containerLimit": 3,
					"setItemsLimit":  channelPageSize,
				},
			},
			"deviceCapabilities": map[string]bool{"supportsDownloads": false},
		}

		url := fmt.Sprintf("%s/browse/v1/pages/curated-grouping/%s/view", c.apiBase, channelGroupingID)
		body, err := c.http.PostJSON(ctx, url, token, initPayload)
		if err != nil {
			return err
		}

		var page channelPageResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("failed to parse channel page: %w", err)
		}
		if len(page.Page.Containers) == 0 || len(page.Page.Containers[0].Sets) == 0 {
			return fmt.Errorf("channel page has no containers")
		}

		set := page.Page.Containers[0].Sets[0]
		total := set.Pagination.Offset.Size
		for _, item := range set.Items {
			if ch := c.parseChannelItem(item); ch != nil {
				channels = append(channels, *ch)
			}
		}

		for offset := channelPageSize; offset < total; offset += channelPageSize {
			batch, err := c.fetchChannelBatch(ctx, token, offset)
			if err != nil {
				return err
			}
			for _, item := range batch {
				if ch := c.parseChannelItem(item); ch != nil {
					channels = append(channels, *ch)
				}
			}
			c.log.Debugf("Loaded %d/%d channels", len(channels), total)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channels: %w", err)
	}

	c.log.Infof("Loaded %d channels", len(channels))
	return channels, nil
}

func (c *Client) fetchChannelBatch(ctx context.Context, token string, offset int) ([]channelItem, error) {
	payload := map[string]interface{}{
		"filter": map[string]interface{}{
			"one": map[string]string{"filterId": "all"},
		},
		"sets": map[string]interface{}{
			channelSetID: map[string]interface{}{
				"sort": map[string]string{"sortId": "CHANNEL_NUMBER_ASC"},
				"pagination": map[string]interface{}{
					"offset": map[string]int{
						"setItemsOffset": offset,
						"setItemsLimit":  channelPageSize,
					},
				},
			},
		},
		"pagination": map[string]interface{}{
			"offset": map[string]int{"setItemsLimit": channelPageSize},
		},
	}

	url := fmt.Sprintf("%s/browse/v1/pages/curated-grouping/%s/containers/%s/view",
		c.apiBase, channelGroupingID, channelContainerID)
	body, err := c.http.PostJSON(ctx, url, token, payload)
	if err != nil {
		return nil, err
	}

	var resp channelBatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse channel batch: %w", err)
	}
	if len(resp.Container.Sets) == 0 {
		return nil, nil
	}
	return resp.Container.Sets[0].Items, nil
}

func (c *Client) parseChannelItem(item channelItem) *models.Channel {
	if item.Entity.ID == "" {
		return nil
	}

	channelType := ChannelTypeLinear
	if len(item.Actions.Play) > 0 && item.Actions.Play[0].Entity.Type != "" {
		channelType = item.Actions.Play[0].Entity.Type
	}

	var imageURL string
	if tile, ok := item.Entity.Images.Tile["aspect_1x1"]; ok && tile.Preferred.URL != "" {
		width, height := tile.Preferred.Width, tile.Preferred.Height
		if width == 0 {
			width = 300
		}
		if height == 0 {
			height = 300
		}
		imageURL = c.ImageURL(tile.Preferred.URL, width, height)
	}

	return &models.Channel{
		ChannelID:     item.Entity.ID,
		Name:          item.Entity.Texts.Title.Default,
		Category:      item.Decorations.Genre,
		Genre:         item.Decorations.Genre,
		Description:   item.Entity.Texts.Description.Default,
		ChannelType:   channelType,
		ImageURL:      imageURL,
		LargeImageURL: imageURL,
	}
}

// ImageURL builds a CDN image URL. The CDN takes the whole transform
// request as base64-encoded JSON appended to its base: the image key plus
// format and resize edits. Absolute URLs pass through untouched.
func (c *Client) ImageURL(imagePath string, width, height int) string {
	if imagePath == "" {
		return ""
	}
	if len(imagePath) > 4 && imagePath[:4] == "http" {
		return imagePath
	}

	config := map[string]interface{}{
		"key": imagePath,
		"edits": []interface{}{
			map[string]interface{}{"format": map[string]string{"type": "jpeg"}},
			map[string]interface{}{"resize": map[string]int{"height": height, "width": width}},
		},
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	return c.imageCDN + base64.StdEncoding.EncodeToString(raw)
}
