package fetch

import (
	"fmt"
	"strings"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// The product API is an OutSystems screen service: it expects the full
// screen variable envelope even though only the SKU and product slug carry
// information. Version identifiers match the public web client.
const (
	moduleVersion = "6uc+XDsRynmQ7JQS4jOSaQ"
	apiVersion    = "j2jjJJxS4heD58kEZAYPUQ"
	viewName      = "MainFlow.ProductDetailsPage"
)

func buildPayload(item pipeline.WorkItem, locale string) map[string]any {
	return map[string]any{
		"versionInfo": map[string]string{
			"moduleVersion": moduleVersion,
			"apiVersion":    apiVersion,
		},
		"viewName": viewName,
		"screenData": map[string]any{
			"variables": map[string]any{
				"SKU":                    item.SKU,
				"_sKUInDataFetchStatus":  1,
				"ProductName":            productSlug(item),
				"_productNameInDataFetchStatus": 1,
				"Locale":                 locale,
				"ChannelId":              "",
				"StoreId":                "0",
				"StoreNumber":            0,
				"IsPhone":                false,
				"_isPhoneInDataFetchStatus": 1,
				"ShowMedicineSidebar":    false,
				"HasDailyValueIntakePercent": false,
			},
		},
	}
}

// productSlug recovers the slug segment of the product URL, falling back to
// the generic product-<sku> form the site accepts for unknown slugs.
func productSlug(item pipeline.WorkItem) string {
	if item.URL != "" {
		trimmed := strings.TrimRight(item.URL, "/")
		if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
			return trimmed[idx+1:]
		}
	}
	return fmt.Sprintf("product-%s", item.SKU)
}
