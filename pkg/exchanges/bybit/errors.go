package bybit

import (
	"strings"

	"execution-core/pkg/exchanges/common"
)

// Bybit v5 retCodes the core branches on.
const (
	codeOK                  = 0
	codeParamsError         = 10001
	codeRecvWindow          = 10002
	codeInvalidAPIKey       = 10003
	codeSignError           = 10004
	codePermissionDenied    = 10005
	codeTooManyVisits       = 10006
	codeServerError         = 10016
	codeIPRateLimit         = 10018
	codeOrderNotExist       = 110001
	codeInsufficientBalance = 110007
	codeReduceOnlyRejected  = 110017
	codeLeverageNotModified = 110043
	codeTriggerAbove        = 110092
	codeTriggerBelow        = 110093
	codeMinOrderValue       = 110094
	codeTPSLNotModified     = 34040
)

var codeKinds = map[int][]error{
	codeParamsError:         {common.ErrValidation},
	codeRecvWindow:          {common.ErrAuth},
	codeInvalidAPIKey:       {common.ErrAuth},
	codeSignError:           {common.ErrAuth},
	codePermissionDenied:    {common.ErrAuth},
	codeTooManyVisits:       {common.ErrRateLimited},
	codeIPRateLimit:         {common.ErrRateLimited},
	codeServerError:         {common.ErrNetwork},
	codeOrderNotExist:       {common.ErrBusinessRejected, common.ErrOrderNotFound},
	codeInsufficientBalance: {common.ErrBusinessRejected, common.ErrInsufficientBalance},
	codeReduceOnlyRejected:  {common.ErrBusinessRejected, common.ErrNoPosition},
	codeLeverageNotModified: {common.ErrBusinessRejected, common.ErrLeverageNotModified},
	codeTriggerAbove:        {common.ErrValidation, common.ErrPriceInvalid},
	codeTriggerBelow:        {common.ErrValidation, common.ErrPriceInvalid},
	codeMinOrderValue:       {common.ErrValidation, common.ErrQtyBelowMinimum},
	codeTPSLNotModified:     {common.ErrBusinessRejected},
}

// Substrings of 10001 messages that identify the offending field.
var paramMessageKinds = []struct {
	fragment string
	kind     error
}{
	{"activeprice", common.ErrPriceInvalid},
	{"trailingstop", common.ErrPriceInvalid},
	{"trigger price", common.ErrPriceInvalid},
	{"stoploss", common.ErrPriceInvalid},
	{"qty invalid", common.ErrQtyBelowMinimum},
	{"zero position", common.ErrNoPosition},
}

func classify(apiErr common.APIError) error {
	kinds := append([]error(nil), codeKinds[apiErr.Code]...)
	if apiErr.Code == codeParamsError {
		msg := common.NormalizeMsg(apiErr.Msg)
		for _, m := range paramMessageKinds {
			if strings.Contains(msg, m.fragment) {
				kinds = append(kinds, m.kind)
			}
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
