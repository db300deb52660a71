package llm

import "fmt"

// Field schemas are JSON-Schema (draft 2020-12 subset) as generic maps.
// They constrain the model output and are re-used locally for validation.

const dealSummarySystem = `你是一个专业的并购报告分析师。请从给定的文本片段中提取交易概要信息。

要求：
1. 只从提供的文本中提取，不要编造信息
2. 如果某个字段在文本中找不到，留空字符串
3. 每个关键字段同时提供：
   - 提炼后的简要结论
   - 对应的原文引用（_quote后缀），必须是从原文中逐字复制的句子或段落
4. 以JSON格式返回`

const acquisitionPurposeSystem = `你是一个专业的并购报告分析师。请从给定的文本片段中提取并购目的信息。

要求：
1. 只从提供的文本中提取，不要编造信息
2. 如果某个字段在文本中找不到，留空字符串
3. 每个字段同时提供简要总结（1-2句话）和对应的原文引用（_quote后缀）
4. 以JSON格式返回`

const considerationSystem = `你是一个专业的并购报告分析师。请从给定的文本片段中提取交易对价信息。

要求：
1. 只从提供的文本中提取，不要编造信息
2. amount为金额原文表述（含单位），amount_quote为原文中提到该金额的完整句子
3. 以JSON格式返回`

// BuildDealSummarySchema covers the headline terms of a deal; every
// substantive field pairs with a verbatim-evidence twin.
func BuildDealSummarySchema() map[string]any {
	props := map[string]any{}
	for _, name := range []string{
		"acquirer", "target", "deal_amount", "target_valuation", "performance_commitment",
	} {
		props[name] = stringProp()
		props[name+"_quote"] = stringProp()
	}
	props["deal_type"] = stringProp()
	props["share_price"] = stringProp()
	props["payment_method"] = stringProp()
	props["valuation_method"] = stringProp()
	props["confidence"] = confidenceProp()

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             []string{"acquirer", "target"},
	}
}

func BuildAcquisitionPurposeSchema() map[string]any {
	props := map[string]any{
		"summary":    map[string]any{"type": "string", "minLength": 1},
		"confidence": confidenceProp(),
	}
	for _, name := range []string{"strategic_purpose", "synergy", "industry_logic"} {
		props[name] = stringProp()
		props[name+"_quote"] = stringProp()
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             []string{"summary"},
	}
}

// BuildConsiderationSchema is the monetary shape: amount is required and
// must carry at least one digit (e.g. "12.5亿元", "1,234.56万元").
func BuildConsiderationSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"amount":         map[string]any{"type": "string", "pattern": `\d`},
			"amount_quote":   stringProp(),
			"currency":       stringProp(),
			"payment_method": stringProp(),
			"confidence":     confidenceProp(),
		},
		"required": []string{"amount"},
	}
}

func stringProp() map[string]any {
	return map[string]any{"type": "string"}
}

func confidenceProp() map[string]any {
	return map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0}
}

const chunksUserTemplate = `请从以下并购报告文本片段中提取信息：

%s

请以JSON格式返回，符合给定的JSON Schema。`

// FieldsForSchema returns the fact fields of a document-type schema.
// "merger_report" is the only schema currently registered.
func FieldsForSchema(name string) ([]FieldSpec, error) {
	switch name {
	case "", "merger_report":
		return []FieldSpec{
			{
				Name:         "deal_summary",
				Query:        "交易方案 交易金额 发行价格 支付方式 标的估值 交易对价 收购价款",
				SystemPrompt: dealSummarySystem,
				UserTemplate: chunksUserTemplate,
				Schema:       BuildDealSummarySchema(),
			},
			{
				Name:         "acquisition_purpose",
				Query:        "并购目的 战略意义 协同效应 交易原因 收购理由 交易必要性",
				SystemPrompt: acquisitionPurposeSystem,
				UserTemplate: chunksUserTemplate,
				Schema:       BuildAcquisitionPurposeSchema(),
			},
			{
				Name:         "transaction_consideration",
				Query:        "交易对价 交易金额 支付对价 收购价款 现金对价",
				SystemPrompt: considerationSystem,
				UserTemplate: chunksUserTemplate,
				Schema:       BuildConsiderationSchema(),
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown document-type schema: %q", name)
	}
}
