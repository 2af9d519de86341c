package fetch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// Response shapes for the fields we persist. The live payload carries far
// more; unknown fields are ignored.
type apiEnvelope struct {
	Data *apiData `json:"data"`
}

type apiData struct {
	SKU        string     `json:"SKU"`
	ImageURL   string     `json:"ImageURL"`
	ProductOut apiProduct `json:"ProductOut"`
}

type apiProduct struct {
	Overview            apiOverview `json:"Overview"`
	Ingredients         string      `json:"Ingredients"`
	Composition         string      `json:"Composition"`
	PercentageOfAlcohol string      `json:"PercentageOfAlcohol"`
	Allergen            apiAllergen `json:"Allergen"`
	Nutrient            apiNutrient `json:"Nutrient"`
}

type apiOverview struct {
	Name          string `json:"Name"`
	Brand         string `json:"Brand"`
	Price         string `json:"Price"`
	BaseUnitPrice string `json:"BaseUnitPrice"`
}

type apiAllergen struct {
	Warning     string `json:"Warning"`
	Description string `json:"Description"`
}

type apiNutrient struct {
	Nutrients struct {
		List []apiNutrientEntry `json:"List"`
	} `json:"Nutrients"`
}

type apiNutrientEntry struct {
	Description       string `json:"Description"`
	ParentCode        string `json:"ParentCode"`
	QuantityContained struct {
		Value string `json:"Value"`
		UoM   string `json:"UoM"`
	} `json:"QuantityContained"`
}

// parseProduct maps the API envelope onto a ProductRecord. A missing data
// envelope is a structural failure: the upstream contract changed.
func parseProduct(body []byte, sku string, now time.Time) (pipeline.ProductRecord, error) {
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return pipeline.ProductRecord{}, fmt.Errorf("decode product response: %w", err)
	}
	if envelope.Data == nil {
		return pipeline.ProductRecord{}, fmt.Errorf("response for sku %s is missing the data envelope", sku)
	}

	data := envelope.Data
	if data.SKU != "" {
		sku = data.SKU
	}

	nutrients := make([]pipeline.Nutrient, 0, len(data.ProductOut.Nutrient.Nutrients.List))
	for _, n := range data.ProductOut.Nutrient.Nutrients.List {
		nutrients = append(nutrients, pipeline.Nutrient{
			Name:       n.Description,
			Value:      n.QuantityContained.Value,
			Unit:       n.QuantityContained.UoM,
			ParentCode: n.ParentCode,
		})
	}

	return pipeline.ProductRecord{
		SKU:               sku,
		Name:              data.ProductOut.Overview.Name,
		Brand:             data.ProductOut.Overview.Brand,
		Price:             data.ProductOut.Overview.Price,
		BaseUnitPrice:     data.ProductOut.Overview.BaseUnitPrice,
		ImageURL:          data.ImageURL,
		Ingredients:       data.ProductOut.Ingredients,
		Allergens:         data.ProductOut.Allergen.Description,
		AlcoholPercentage: data.ProductOut.PercentageOfAlcohol,
		Composition:       data.ProductOut.Composition,
		Nutrients:         nutrients,
		ExtractedAt:       now,
	}, nil
}
