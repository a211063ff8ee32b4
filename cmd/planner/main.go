package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-planner/internal/config"
	"order-planner/internal/core"
	"order-planner/internal/exchange"
	"order-planner/internal/exchange/allcoin"
	"order-planner/internal/exchange/binance"
	"order-planner/internal/exchange/btcbox"
	"order-planner/internal/exchange/ccxtex"
	"order-planner/internal/exchange/zaif"
	plog "order-planner/internal/log"
	"order-planner/internal/planner"
	"order-planner/internal/rounding"
	"order-planner/internal/safety"
)

const usage = `usage: planner [-config path] <command> [flags]

commands:
  plan     -market id -side buy|sell (-amount n [-limit p] | -counter n)
  submit   same flags as plan, then places every planned order
  balance  [-market id]
  cancel   -market id -id order-id`

var errUsage = errors.New(usage)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	registry, err := newRegistry()
	if err == nil {
		err = run(ctx, os.Args[1:], os.Stdout, registry)
	}
	stop()
	code := 0
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = 1
		if errors.Is(err, errUsage) || errors.Is(err, core.ErrConfiguration) {
			code = 2
		}
	}
	memguard.Purge()
	os.Exit(code)
}

// newRegistry binds every supported exchange identity to its adapter.
func newRegistry() (*exchange.Registry, error) {
	registry := exchange.NewRegistry()
	factories := map[string]exchange.Factory{
		btcbox.Name:  btcbox.New,
		zaif.Name:    zaif.New,
		allcoin.Name: allcoin.New,
		binance.Name: binance.New,
	}
	for _, id := range ccxtex.Supported() {
		factories[id] = ccxtex.Factory(id)
	}
	for id, factory := range factories {
		if err := registry.Register(id, factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

type app struct {
	cfg        config.Config
	logger     *zap.Logger
	dispatcher *exchange.Dispatcher
	planner    *planner.Planner
	out        io.Writer
}

func run(ctx context.Context, args []string, stdout io.Writer, registry *exchange.Registry) error {
	global := flag.NewFlagSet("planner", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	configPath := global.String("config", "config/planner.yaml", "config yaml path")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%v\n\n%w", err, errUsage)
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}
	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "plan", "submit", "balance", "cancel":
	default:
		return fmt.Errorf("unknown command %q\n\n%w", cmd, errUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := plog.NewLogger(cfg.Logging)
	if err != nil {
		return errors.Join(core.ErrConfiguration, err)
	}
	defer func() { _ = logger.Sync() }()

	breaker := safety.NewBreaker(cfg.BreakerSettings(), logger)
	dispatcher, err := exchange.NewDispatcher(registry, cfg.CoreMarkets(), cfg.AdapterOptions(logger), breaker, logger)
	if err != nil {
		return err
	}
	a := &app{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		planner:    planner.New(logger),
		out:        stdout,
	}
	switch cmd {
	case "plan":
		return a.plan(ctx, cmdArgs, false)
	case "submit":
		return a.plan(ctx, cmdArgs, true)
	case "balance":
		return a.balance(ctx, cmdArgs)
	default:
		return a.cancel(ctx, cmdArgs)
	}
}

type planRequest struct {
	market  string
	side    core.Side
	amount  *decimal.Decimal
	counter *decimal.Decimal
	limit   *decimal.Decimal
}

func parsePlanFlags(args []string) (planRequest, error) {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var market, side, amount, counter, limit string
	fs.StringVar(&market, "market", "", "market id from config")
	fs.StringVar(&side, "side", "", "buy or sell")
	fs.StringVar(&amount, "amount", "", "base currency amount")
	fs.StringVar(&counter, "counter", "", "counter currency amount")
	fs.StringVar(&limit, "limit", "", "limit price, requires -amount")
	if err := fs.Parse(args); err != nil {
		return planRequest{}, fmt.Errorf("%v\n\n%w", err, errUsage)
	}

	req := planRequest{market: strings.TrimSpace(market), side: core.Side(strings.ToUpper(strings.TrimSpace(side)))}
	if req.market == "" {
		return req, fmt.Errorf("-market is required\n\n%w", errUsage)
	}
	if !req.side.Valid() {
		return req, fmt.Errorf("-side must be buy or sell\n\n%w", errUsage)
	}
	var err error
	if req.amount, err = optionalDecimal("amount", amount); err != nil {
		return req, err
	}
	if req.counter, err = optionalDecimal("counter", counter); err != nil {
		return req, err
	}
	if req.limit, err = optionalDecimal("limit", limit); err != nil {
		return req, err
	}
	switch {
	case req.amount != nil && req.counter != nil:
		return req, fmt.Errorf("-amount and -counter are exclusive\n\n%w", errUsage)
	case req.amount == nil && req.counter == nil:
		return req, fmt.Errorf("one of -amount or -counter is required\n\n%w", errUsage)
	case req.limit != nil && req.amount == nil:
		return req, fmt.Errorf("-limit requires -amount\n\n%w", errUsage)
	}
	return req, nil
}

func optionalDecimal(name, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := rounding.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("-%s: %v\n\n%w", name, err, errUsage)
	}
	return &v, nil
}

func (a *app) plan(ctx context.Context, args []string, submit bool) error {
	req, err := parsePlanFlags(args)
	if err != nil {
		return err
	}
	adapter, err := a.dispatcher.Adapter(req.market)
	if err != nil {
		return err
	}

	var (
		plan planner.Plan
		mode string
	)
	switch {
	case req.counter != nil:
		mode = "counter"
		plan, err = a.planner.ByCounterAmount(ctx, adapter, req.side, *req.counter)
	case req.limit != nil:
		mode = "limit"
		plan, err = a.planner.WithLimit(ctx, adapter, req.side, *req.limit, *req.amount)
	default:
		mode = "base"
		plan, err = a.planner.ByBaseAmount(ctx, adapter, req.side, *req.amount)
	}
	if err != nil {
		return err
	}
	writePlan(a.out, req.market, mode, adapter.Market(), plan)
	if !submit {
		return nil
	}
	if plan.Empty() {
		fmt.Fprintln(a.out, "nothing to submit")
		return nil
	}

	creds, err := a.credentials(adapter.Market().Exchange)
	if err != nil {
		return err
	}
	a.logger.Info("submitting plan",
		zap.String("market", req.market),
		zap.Int("orders", len(plan.Fills)),
	)
	for _, order := range plan.Orders() {
		placed, err := a.dispatcher.PlaceOrder(ctx, req.market, creds, order)
		if err != nil {
			return fmt.Errorf("place %s %s@%s: %w", order.Side, order.Qty, order.Price, err)
		}
		fmt.Fprintf(a.out, "placed id=%s side=%s price=%s qty=%s\n", placed.ID, placed.Side, placed.Price, placed.Qty)
	}
	return nil
}

func writePlan(w io.Writer, marketID, mode string, market core.Market, plan planner.Plan) {
	fmt.Fprintf(w, "plan market=%s side=%s mode=%s requested=%s orderable=%s fills=%d\n",
		marketID, plan.Side, mode, plan.Requested, plan.Orderable, len(plan.Fills))
	for _, f := range plan.Fills {
		fmt.Fprintf(w, "fill price=%s qty=%s\n", f.Price, f.Qty)
	}
	for _, cur := range []string{market.Base, market.Counter} {
		fmt.Fprintf(w, "delta %s=%s\n", cur, plan.Deltas[cur].StringFixed(planner.DeltaDigits))
	}
}

func (a *app) balance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	market := fs.String("market", "", "market id; omit to query every exchange with credentials")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%v\n\n%w", err, errUsage)
	}

	if *market != "" {
		adapter, err := a.dispatcher.Adapter(*market)
		if err != nil {
			return err
		}
		creds, err := a.credentials(adapter.Market().Exchange)
		if err != nil {
			return err
		}
		balances, err := a.dispatcher.Balances(ctx, *market, creds)
		if err != nil {
			return err
		}
		writeBalances(a.out, adapter.Market().Exchange, balances)
		return nil
	}

	creds, err := config.LoadCredentials(a.cfg.ExchangeNames())
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		return fmt.Errorf("%w: no exchange credentials in environment", core.ErrConfiguration)
	}
	all, err := a.dispatcher.AllBalances(ctx, creds)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeBalances(a.out, name, all[name])
	}
	return nil
}

func writeBalances(w io.Writer, exchangeID string, balances core.Balances) {
	currencies := make([]string, 0, len(balances))
	for cur := range balances {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	for _, cur := range currencies {
		b := balances[cur]
		fmt.Fprintf(w, "balance exchange=%s currency=%s free=%s locked=%s\n", exchangeID, cur, b.Free, b.Locked)
	}
}

func (a *app) cancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	market := fs.String("market", "", "market id")
	orderID := fs.String("id", "", "exchange order id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%v\n\n%w", err, errUsage)
	}
	if *market == "" || strings.TrimSpace(*orderID) == "" {
		return fmt.Errorf("-market and -id are required\n\n%w", errUsage)
	}
	adapter, err := a.dispatcher.Adapter(*market)
	if err != nil {
		return err
	}
	creds, err := a.credentials(adapter.Market().Exchange)
	if err != nil {
		return err
	}
	if err := a.dispatcher.CancelOrder(ctx, *market, creds, strings.TrimSpace(*orderID)); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "canceled id=%s\n", strings.TrimSpace(*orderID))
	return nil
}

func (a *app) credentials(exchangeID string) (core.Credentials, error) {
	creds, err := config.LoadCredentials([]string{exchangeID})
	if err != nil {
		return core.Credentials{}, err
	}
	c, ok := creds[strings.ToLower(exchangeID)]
	if !ok {
		return core.Credentials{}, fmt.Errorf("%w: set %s and %s", core.ErrConfiguration,
			config.EnvName(exchangeID, "api_key"), config.EnvName(exchangeID, "api_secret"))
	}
	return c, nil
}
