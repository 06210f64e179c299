package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"next-open/internal/config"
)

const (
	kisPathToken         = "/oauth2/tokenP"
	kisPathHashKey       = "/uapi/hashkey"
	kisPathOrderCash     = "/uapi/domestic-stock/v1/trading/order-cash"
	kisPathBalance       = "/uapi/domestic-stock/v1/trading/inquire-balance"
	kisPathDailyConclude = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"

	// 交易 ID 按模拟/实盘区分。
	trBalanceVirtual = "VTTC8434R"
	trBalanceReal    = "TTTC8434R"
	trBuyVirtual     = "VTTC0802U"
	trBuyReal        = "TTTC0802U"
	trSellVirtual    = "VTTC0801U"
	trSellReal       = "TTTC0801U"
	trCcldVirtual    = "VTTC8001R"
	trCcldReal       = "TTTC8001R"

	kisMaxPages = 5
)

// KIS 为韩国投资证券 OpenAPI 账户（模拟 virtual 或实盘 real）。
type KIS struct {
	cfg         config.KISConfig
	env         Environment
	cano        string
	productCode string
	http        *http.Client
	logger      *zap.Logger
	now         func() time.Time

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewKIS 创建 KIS 客户端。env 只能是 virtual 或 real。
func NewKIS(cfg config.KISConfig, env Environment, timeout time.Duration, logger *zap.Logger) (*KIS, error) {
	if env != EnvironmentVirtual && env != EnvironmentReal {
		return nil, fmt.Errorf("broker: KIS 不支持环境 %q", env)
	}
	if cfg.BaseURL == "" || cfg.AppKey == "" || cfg.AppSecret == "" || cfg.AccountNo == "" {
		return nil, errors.New("broker: KIS 凭证不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cano, product := cfg.AccountNo, cfg.AccountProductCode
	if idx := strings.Index(cfg.AccountNo, "-"); idx > 0 {
		cano, product = cfg.AccountNo[:idx], cfg.AccountNo[idx+1:]
	}
	if product == "" {
		product = "01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &KIS{
		cfg:         cfg,
		env:         env,
		cano:        cano,
		productCode: product,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (k *KIS) Environment() Environment {
	return k.env
}

type kisBalanceResponse struct {
	RtCd    string `json:"rt_cd"`
	MsgCd   string `json:"msg_cd"`
	Msg1    string `json:"msg1"`
	Output1 []struct {
		Pdno       string `json:"pdno"`
		HldgQty    string `json:"hldg_qty"`
		OrdPsblQty string `json:"ord_psbl_qty"`
	} `json:"output1"`
	Output2 []map[string]string `json:"output2"`
}

func (k *KIS) balance(ctx context.Context) (kisBalanceResponse, error) {
	params := url.Values{}
	params.Set("CANO", k.cano)
	params.Set("ACNT_PRDT_CD", k.productCode)
	params.Set("AFHR_FLPR_YN", "N")
	params.Set("OFL_YN", "")
	params.Set("INQR_DVSN", "02")
	params.Set("UNPR_DVSN", "01")
	params.Set("FUND_STTL_ICLD_YN", "N")
	params.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	params.Set("PRCS_DVSN", "00")
	params.Set("CTX_AREA_FK100", "")
	params.Set("CTX_AREA_NK100", "")

	var resp kisBalanceResponse
	if err := k.get(ctx, "inquire_balance", kisPathBalance, k.pick(trBalanceVirtual, trBalanceReal), params, &resp); err != nil {
		return resp, err
	}
	if resp.RtCd != "" && resp.RtCd != "0" {
		return resp, fmt.Errorf("broker: KIS 余额查询失败 code=%s: %s", resp.MsgCd, resp.Msg1)
	}
	return resp, nil
}

func (k *KIS) Positions(ctx context.Context) (map[string]int64, error) {
	resp, err := k.balance(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(resp.Output1))
	for _, row := range resp.Output1 {
		symbol := strings.TrimSpace(row.Pdno)
		if symbol == "" {
			continue
		}
		qty := parseKISInt(row.HldgQty)
		if qty == 0 {
			qty = parseKISInt(row.OrdPsblQty)
		}
		if qty > 0 {
			out[symbol] = qty
		}
	}
	return out, nil
}

func (k *KIS) Cash(ctx context.Context) (decimal.Decimal, error) {
	resp, err := k.balance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if len(resp.Output2) == 0 {
		return decimal.Zero, errors.New("broker: KIS inquire-balance output2 为空")
	}
	summary := resp.Output2[0]
	for _, key := range []string{"dnca_tot_amt", "prvs_rcdl_excc_amt", "cma_evlu_amt", "tot_evlu_amt"} {
		raw := strings.TrimSpace(strings.ReplaceAll(summary[key], ",", ""))
		if raw == "" {
			continue
		}
		if v, parseErr := decimal.NewFromString(raw); parseErr == nil {
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("broker: 无法从 inquire-balance 解析现金, keys=%d", len(summary))
}

type kisOrderResponse struct {
	RtCd   string            `json:"rt_cd"`
	MsgCd  string            `json:"msg_cd"`
	Msg1   string            `json:"msg1"`
	Output map[string]string `json:"output"`
}

func (k *KIS) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	var trID string
	switch req.Side {
	case SideBuy:
		trID = k.pick(trBuyVirtual, trBuyReal)
	case SideSell:
		trID = k.pick(trSellVirtual, trSellReal)
	default:
		return "", Rejected(req.Symbol, "", fmt.Sprintf("invalid side: %s", req.Side))
	}
	if req.Qty <= 0 {
		return "", Rejected(req.Symbol, "", "quantity must be positive")
	}

	// ORD_DVSN: 00 市价, 01 限价。
	ordDvsn, price := "00", "0"
	if req.Type == OrderTypeLimit {
		if !req.Price.IsPositive() {
			return "", Rejected(req.Symbol, "", "limit order requires price")
		}
		ordDvsn, price = "01", req.Price.Truncate(0).String()
	}

	body := map[string]string{
		"CANO":         k.cano,
		"ACNT_PRDT_CD": k.productCode,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(req.Qty, 10),
		"ORD_UNPR":     price,
	}

	headers, err := k.authHeaders(ctx, trID)
	if err != nil {
		return "", err
	}
	if hash, hashErr := k.hashKey(ctx, body); hashErr == nil {
		headers.Set("hashkey", hash)
	} else {
		k.logger.Debug("获取 hashkey 失败，继续下单", zap.Error(hashErr))
	}

	var resp kisOrderResponse
	if err := k.do(ctx, "order_cash", http.MethodPost, kisPathOrderCash, headers, nil, body, &resp); err != nil {
		var apiErr *kisAPIError
		if errors.As(err, &apiErr) {
			return "", Rejected(req.Symbol, apiErr.code, apiErr.message)
		}
		return "", err
	}
	if resp.RtCd != "0" {
		return "", Rejected(req.Symbol, resp.MsgCd, resp.Msg1)
	}

	for _, key := range []string{"ODNO", "odno", "order_no"} {
		if id := strings.TrimSpace(resp.Output[key]); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("broker: KIS 下单成功但未返回委托号: %s", resp.Msg1)
}

type kisConcludeResponse struct {
	RtCd         string              `json:"rt_cd"`
	MsgCd        string              `json:"msg_cd"`
	Msg1         string              `json:"msg1"`
	Output1      []map[string]string `json:"output1"`
	CtxAreaFK100 string              `json:"ctx_area_fk100"`
	CtxAreaNK100 string              `json:"ctx_area_nk100"`
}

func (k *KIS) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	today := k.now().Format("20060102")
	fk100, nk100 := "", ""

	for page := 0; page < kisMaxPages; page++ {
		params := url.Values{}
		params.Set("CANO", k.cano)
		params.Set("ACNT_PRDT_CD", k.productCode)
		params.Set("INQR_STRT_DT", today)
		params.Set("INQR_END_DT", today)
		params.Set("SLL_BUY_DVSN_CD", "00")
		params.Set("INQR_DVSN", "01")
		params.Set("PDNO", "")
		params.Set("CCLD_DVSN", "00")
		params.Set("ORD_GNO_BRNO", "")
		params.Set("ODNO", orderID)
		params.Set("INQR_DVSN_3", "00")
		params.Set("INQR_DVSN_1", "0")
		params.Set("CTX_AREA_FK100", fk100)
		params.Set("CTX_AREA_NK100", nk100)

		var resp kisConcludeResponse
		if err := k.get(ctx, "inquire_daily_ccld", kisPathDailyConclude, k.pick(trCcldVirtual, trCcldReal), params, &resp); err != nil {
			return OrderState{}, err
		}

		for _, rec := range resp.Output1 {
			if strings.TrimSpace(firstNonEmpty(rec, "odno", "ODNO")) != orderID {
				continue
			}
			return kisOrderState(orderID, rec), nil
		}

		fk100, nk100 = strings.TrimSpace(resp.CtxAreaFK100), strings.TrimSpace(resp.CtxAreaNK100)
		if fk100 == "" && nk100 == "" {
			break
		}
	}

	return OrderState{OrderID: orderID, Status: OrderUnknown}, nil
}

func kisOrderState(orderID string, rec map[string]string) OrderState {
	ordered := parseKISInt(firstNonEmpty(rec, "ord_qty", "ORD_QTY", "tot_ord_qty"))
	filled := parseKISInt(firstNonEmpty(rec, "tot_ccld_qty", "TOT_CCLD_QTY", "ccld_qty", "CCLD_QTY"))
	rejected := parseKISInt(firstNonEmpty(rec, "rjct_qty", "RJCT_QTY"))
	avg, _ := decimal.NewFromString(strings.ReplaceAll(firstNonEmpty(rec, "avg_prvs", "AVG_PRVS"), ",", ""))

	state := OrderState{
		OrderID:    orderID,
		OrderedQty: ordered,
		FilledQty:  filled,
		AvgPrice:   avg,
		Status:     OrderOpen,
	}
	switch {
	case ordered > 0 && filled >= ordered:
		state.Status = OrderFilled
	case rejected > 0 && filled == 0:
		state.Status = OrderRejected
	case strings.EqualFold(firstNonEmpty(rec, "cncl_yn", "CNCL_YN"), "Y"):
		state.Status = OrderCancelled
	case filled > 0:
		state.Status = OrderPartial
	}
	return state
}

type kisTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (k *KIS) accessToken(ctx context.Context) (string, error) {
	k.tokenMu.Lock()
	defer k.tokenMu.Unlock()

	if k.token != "" && k.now().Before(k.tokenExpiry) {
		return k.token, nil
	}

	headers := http.Header{}
	headers.Set("content-type", "application/json")
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     k.cfg.AppKey,
		"appsecret":  k.cfg.AppSecret,
	}

	var resp kisTokenResponse
	if err := k.do(ctx, "token", http.MethodPost, kisPathToken, headers, nil, body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.New("broker: KIS 未返回 access_token")
	}

	// 提前 60 秒刷新。
	lifetime := resp.ExpiresIn - 60
	if lifetime < 60 {
		lifetime = 60
	}
	k.token = resp.AccessToken
	k.tokenExpiry = k.now().Add(time.Duration(lifetime) * time.Second)
	k.logger.Info("KIS 访问令牌已刷新", zap.Time("expires_at", k.tokenExpiry))
	return k.token, nil
}

func (k *KIS) authHeaders(ctx context.Context, trID string) (http.Header, error) {
	token, err := k.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("content-type", "application/json")
	headers.Set("authorization", "Bearer "+token)
	headers.Set("appkey", k.cfg.AppKey)
	headers.Set("appsecret", k.cfg.AppSecret)
	headers.Set("custtype", "P")
	if trID != "" {
		headers.Set("tr_id", trID)
	}
	return headers, nil
}

func (k *KIS) hashKey(ctx context.Context, body map[string]string) (string, error) {
	headers, err := k.authHeaders(ctx, "")
	if err != nil {
		return "", err
	}
	var resp struct {
		Hash string `json:"HASH"`
	}
	if err := k.do(ctx, "hashkey", http.MethodPost, kisPathHashKey, headers, nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Hash == "" {
		return "", errors.New("broker: KIS 未返回 hashkey")
	}
	return resp.Hash, nil
}

func (k *KIS) get(ctx context.Context, op, path, trID string, params url.Values, out interface{}) error {
	headers, err := k.authHeaders(ctx, trID)
	if err != nil {
		return err
	}
	return k.do(ctx, op, http.MethodGet, path, headers, params, nil, out)
}

func (k *KIS) do(ctx context.Context, op, method, path string, headers http.Header, params url.Values, body interface{}, out interface{}) error {
	endpoint := k.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: 序列化 %s 请求失败: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("broker: 构造 %s 请求失败: %w", op, err)
	}
	req.Header = headers.Clone()

	resp, err := k.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return Connectivity(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Connectivity(op, err)
	}

	if resp.StatusCode >= 400 {
		// 业务错误也可能以 5xx 返回，带 rt_cd 的响应视为券商的明确答复。
		var apiResp struct {
			RtCd  string `json:"rt_cd"`
			MsgCd string `json:"msg_cd"`
			Msg1  string `json:"msg1"`
		}
		if sonic.Unmarshal(data, &apiResp) == nil && apiResp.RtCd != "" && apiResp.RtCd != "0" {
			return &kisAPIError{status: resp.StatusCode, code: apiResp.MsgCd, message: apiResp.Msg1}
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Connectivity(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(data, 256)))
	case resp.StatusCode >= 400:
		return fmt.Errorf("broker: KIS %s 返回 HTTP %d: %s", op, resp.StatusCode, truncate(data, 256))
	}

	if err := sonic.Unmarshal(data, out); err != nil {
		return Connectivity(op, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}

type kisAPIError struct {
	status  int
	code    string
	message string
}

func (e *kisAPIError) Error() string {
	return fmt.Sprintf("broker: KIS HTTP %d code=%s: %s", e.status, e.code, e.message)
}

func (k *KIS) pick(virtual, live string) string {
	if k.env == EnvironmentReal {
		return live
	}
	return virtual
}

func firstNonEmpty(rec map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(rec[key]); v != "" {
			return v
		}
	}
	return ""
}

func parseKISInt(raw string) int64 {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if raw == "" {
		return 0
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f)
	}
	return 0
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}

var _ Adapter = (*KIS)(nil)
