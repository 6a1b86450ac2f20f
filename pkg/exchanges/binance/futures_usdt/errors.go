package futures_usdt

import (
	"encoding/json"

	"execution-core/pkg/exchanges/common"
)

// Binance futures error codes the core branches on.
const (
	codeUnknown             = -1000
	codeDisconnected        = -1001
	codeTooManyRequests     = -1003
	codeTimeout             = -1007
	codeTooManyOrders       = -1015
	codeTimestampOutside    = -1021
	codeInvalidSignature    = -1022
	codeBadPrecision        = -1111
	codeFilterFailure       = -1013
	codeMandatoryParam      = -1102
	codeParamNotRequired    = -1106
	codeCancelRejected      = -2011
	codeNoSuchOrder         = -2013
	codeBadAPIKeyFormat     = -2014
	codeRejectedMBXKey      = -2015
	codeMarginInsufficient  = -2019
	codeWouldTrigger        = -2021
	codeReduceOnlyRejected  = -2022
	codeQtyLessThanZero     = -4003
	codeQtyGreaterThanMax   = -4005
	codePriceNotTickMultple = -4014
	codePriceLessThanMin    = -4024
	codeLeverageNotModified = -4028
	codeMaxStopOrders       = -4045
	codeNoMarginTypeChange  = -4046
	codePercentPrice        = -4131
	codeMinNotional         = -4164
)

var codeKinds = map[int][]error{
	codeUnknown:             {common.ErrNetwork},
	codeDisconnected:        {common.ErrNetwork},
	codeTimeout:             {common.ErrNetwork},
	codeTooManyRequests:     {common.ErrRateLimited},
	codeTooManyOrders:       {common.ErrRateLimited},
	codeTimestampOutside:    {common.ErrAuth},
	codeInvalidSignature:    {common.ErrAuth},
	codeBadAPIKeyFormat:     {common.ErrAuth},
	codeRejectedMBXKey:      {common.ErrAuth},
	codeBadPrecision:        {common.ErrValidation},
	codeFilterFailure:       {common.ErrValidation},
	codeMandatoryParam:      {common.ErrValidation},
	codeParamNotRequired:    {common.ErrValidation},
	codeQtyLessThanZero:     {common.ErrValidation, common.ErrQtyBelowMinimum},
	codeMinNotional:         {common.ErrValidation, common.ErrQtyBelowMinimum},
	codeQtyGreaterThanMax:   {common.ErrValidation},
	codeWouldTrigger:        {common.ErrValidation, common.ErrPriceInvalid},
	codePriceNotTickMultple: {common.ErrValidation, common.ErrPriceInvalid},
	codePriceLessThanMin:    {common.ErrValidation, common.ErrPriceInvalid},
	codePercentPrice:        {common.ErrValidation, common.ErrPriceInvalid},
	codeCancelRejected:      {common.ErrBusinessRejected, common.ErrOrderNotFound},
	codeNoSuchOrder:         {common.ErrBusinessRejected, common.ErrOrderNotFound},
	codeMarginInsufficient:  {common.ErrBusinessRejected, common.ErrInsufficientBalance},
	codeReduceOnlyRejected:  {common.ErrBusinessRejected, common.ErrNoPosition},
	codeLeverageNotModified: {common.ErrBusinessRejected, common.ErrLeverageNotModified},
	codeMaxStopOrders:       {common.ErrBusinessRejected},
	codeNoMarginTypeChange:  {common.ErrBusinessRejected},
}

var messageKinds = map[string]error{
	"activation price is invalid.": common.ErrPriceInvalid,
	"stop price is invalid.":       common.ErrPriceInvalid,
	"callbackrate is invalid.":     common.ErrValidation,
}

type errorEnvelope struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
}

// parseError inspects a response. Binance reports some failures with HTTP
// 200 and a negative code in the body, so the envelope is checked for every
// status.
func parseError(status int, body []byte) error {
	var env errorEnvelope
	hasEnvelope := len(body) > 0 && body[0] == '{' && json.Unmarshal(body, &env) == nil && env.Code != nil
	if hasEnvelope && *env.Code < 0 {
		return classify(common.APIError{Exchange: common.ExchangeBinance, HTTPStatus: status, Code: *env.Code, Msg: env.Msg})
	}
	if status >= 300 {
		apiErr := common.APIError{Exchange: common.ExchangeBinance, HTTPStatus: status, Msg: string(body)}
		return common.Classify(apiErr, common.HTTPStatusKind(status))
	}
	return nil
}

func classify(apiErr common.APIError) error {
	kinds := append([]error(nil), codeKinds[apiErr.Code]...)
	if k, ok := messageKinds[common.NormalizeMsg(apiErr.Msg)]; ok {
		kinds = append(kinds, k)
		if k == common.ErrPriceInvalid {
			kinds = append(kinds, common.ErrValidation)
		}
	}
	if len(kinds) == 0 {
		if k := common.HTTPStatusKind(apiErr.HTTPStatus); k != nil {
			kinds = append(kinds, k)
		} else {
			kinds = append(kinds, common.ErrBusinessRejected)
		}
	}
	return common.Classify(apiErr, kinds...)
}
