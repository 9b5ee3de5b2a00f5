package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"fulfillchain/core/events"
	"fulfillchain/core/state"
	"fulfillchain/core/types"
	"fulfillchain/native/registry"
	"fulfillchain/storage"
)

type stubDirectory struct {
	services map[uint64]*registry.Service
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{services: make(map[uint64]*registry.Service)}
}

func (d *stubDirectory) GetService(serviceID uint64) (*registry.Service, error) {
	svc, ok := d.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", registry.ErrServiceNotFound, serviceID)
	}
	return svc.Clone(), nil
}

func (d *stubDirectory) put(svc *registry.Service) {
	d.services[svc.ServiceID] = svc.Clone()
}

type recordingEmitter struct {
	payloads []*types.Event
}

type eventCarrier interface {
	Event() *types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	if carrier, ok := evt.(eventCarrier); ok {
		r.payloads = append(r.payloads, carrier.Event())
	}
}

func (r *recordingEmitter) has(eventType string) bool {
	for _, evt := range r.payloads {
		if evt != nil && evt.Type == eventType {
			return true
		}
	}
	return false
}

type mockTransferer struct {
	transfers map[[20]byte]*big.Int
	failNext  bool
}

func newMockTransferer() *mockTransferer {
	return &mockTransferer{transfers: make(map[[20]byte]*big.Int)}
}

func (m *mockTransferer) Transfer(to [20]byte, amount *big.Int) error {
	if m.failNext {
		m.failNext = false
		return errors.New("simulated transfer failure")
	}
	current, ok := m.transfers[to]
	if !ok {
		current = big.NewInt(0)
	}
	m.transfers[to] = new(big.Int).Add(current, amount)
	return nil
}

func (m *mockTransferer) received(to [20]byte) *big.Int {
	current, ok := m.transfers[to]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(current)
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

var (
	ownerAddr       = testAddr(0x01)
	managerAddr     = testAddr(0x02)
	routerAddr      = testAddr(0x03)
	payerAddr       = testAddr(0x10)
	fulfillerAddr   = testAddr(0x11)
	beneficiaryAddr = testAddr(0x12)
)

func newTestLedger(t *testing.T) (*Ledger, *stubDirectory, *mockTransferer) {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	dir := newStubDirectory()
	transferer := newMockTransferer()
	ledger := NewLedger(ownerAddr)
	ledger.SetState(st)
	ledger.SetTransferer(transferer)
	ledger.SetNowFunc(func() int64 { return 1_700_000_000 })
	if err := ledger.SetRegistry(ownerAddr, dir); err != nil {
		t.Fatalf("set registry: %v", err)
	}
	if err := ledger.SetManager(ownerAddr, managerAddr); err != nil {
		t.Fatalf("set manager: %v", err)
	}
	if err := ledger.SetRouter(ownerAddr, routerAddr); err != nil {
		t.Fatalf("set router: %v", err)
	}
	return ledger, dir, transferer
}

func addTestService(dir *stubDirectory, serviceID uint64, fee int64) {
	dir.put(&registry.Service{
		ServiceID:   serviceID,
		Beneficiary: beneficiaryAddr,
		FeeAmount:   big.NewInt(fee),
		Fulfiller:   fulfillerAddr,
	})
}

func deposit(t *testing.T, ledger *Ledger, serviceID uint64, amount int64) *FulfillmentRecord {
	t.Helper()
	record, err := ledger.Deposit(routerAddr, serviceID, &DepositRequest{
		Payer:      payerAddr,
		ServiceRef: "ref-001",
		FiatAmount: "10.00",
		Amount:     big.NewInt(amount),
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return record
}

func TestDepositCreatesPendingRecord(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 7)

	record := deposit(t, ledger, 1, 101)

	if record.ID != 1 {
		t.Fatalf("expected first record id 1, got %d", record.ID)
	}
	if record.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
	if record.FeeAmount.String() != "7" {
		t.Fatalf("expected snapshot fee 7, got %s", record.FeeAmount)
	}
	if record.Fulfiller != fulfillerAddr {
		t.Fatalf("unexpected fulfiller on record")
	}
	balance, err := ledger.DepositBalance(1, payerAddr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.String() != "101" {
		t.Fatalf("expected balance 101, got %s", balance)
	}
	ids, err := ledger.RecordIDsOf(payerAddr)
	if err != nil {
		t.Fatalf("record ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("unexpected record index: %v", ids)
	}
}

func TestDepositIDsAreMonotonic(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)

	for want := uint64(1); want <= 5; want++ {
		record := deposit(t, ledger, 1, 10)
		if record.ID != want {
			t.Fatalf("expected id %d, got %d", want, record.ID)
		}
	}
}

func TestDepositRejectsWrongCaller(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)

	_, err := ledger.Deposit(managerAddr, 1, &DepositRequest{Payer: payerAddr, Amount: big.NewInt(1)})
	if !errors.Is(err, ErrNotRouter) {
		t.Fatalf("expected ErrNotRouter, got %v", err)
	}
}

func TestDepositUnknownService(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.Deposit(routerAddr, 9, &DepositRequest{Payer: payerAddr, Amount: big.NewInt(1)})
	if !errors.Is(err, registry.ErrServiceNotFound) {
		t.Fatalf("expected service not found, got %v", err)
	}
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)

	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		_, err := ledger.Deposit(routerAddr, 1, &DepositRequest{Payer: payerAddr, Amount: amount})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDepositOverflowRejected(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)

	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if _, err := ledger.Deposit(routerAddr, 1, &DepositRequest{Payer: payerAddr, Amount: maxUint256}); err != nil {
		t.Fatalf("deposit max: %v", err)
	}
	_, err := ledger.Deposit(routerAddr, 1, &DepositRequest{Payer: payerAddr, Amount: big.NewInt(1)})
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	balance, _ := ledger.DepositBalance(1, payerAddr)
	if balance.Cmp(maxUint256) != 0 {
		t.Fatalf("balance mutated by failed deposit: %s", balance)
	}
}

func TestRegisterSuccessMovesToPool(t *testing.T) {
	ledger, dir, transferer := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 101)

	settled, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{
		ID:         record.ID,
		Status:     StatusSuccess,
		ExternalID: "ext-42",
		ReceiptURI: "https://receipts.example/42",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if settled.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", settled.Status)
	}
	if settled.ExternalID != "ext-42" || settled.ReceiptURI == "" {
		t.Fatalf("result fields not absorbed: %+v", settled)
	}
	pool, _ := ledger.ReleasablePool(1)
	if pool.String() != "101" {
		t.Fatalf("expected pool 101, got %s", pool)
	}
	balance, _ := ledger.DepositBalance(1, payerAddr)
	if balance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", balance)
	}

	paid, err := ledger.BeneficiaryWithdraw(managerAddr, 1)
	if err != nil {
		t.Fatalf("beneficiary withdraw: %v", err)
	}
	if paid.String() != "101" {
		t.Fatalf("expected payout 101, got %s", paid)
	}
	if got := transferer.received(beneficiaryAddr); got.String() != "101" {
		t.Fatalf("beneficiary received %s", got)
	}
	if _, err := ledger.BeneficiaryWithdraw(managerAddr, 1); !errors.Is(err, ErrNothingToRelease) {
		t.Fatalf("expected ErrNothingToRelease, got %v", err)
	}
}

func TestRegisterFailureAuthorizesRefund(t *testing.T) {
	ledger, dir, transferer := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 101)

	emitter := &recordingEmitter{}
	ledger.SetEmitter(emitter)

	if _, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusFailed}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	refund, _ := ledger.RefundBalance(1, payerAddr)
	if refund.String() != "101" {
		t.Fatalf("expected refund 101, got %s", refund)
	}
	balance, _ := ledger.DepositBalance(1, payerAddr)
	if balance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", balance)
	}
	if !emitter.has(EventTypeRefundAuthorized) {
		t.Fatalf("expected refund-authorized event")
	}

	paid, err := ledger.WithdrawRefund(managerAddr, 1, payerAddr)
	if err != nil {
		t.Fatalf("withdraw refund: %v", err)
	}
	if paid.String() != "101" {
		t.Fatalf("expected refund payout 101, got %s", paid)
	}
	if got := transferer.received(payerAddr); got.String() != "101" {
		t.Fatalf("payer received %s", got)
	}
	if _, err := ledger.WithdrawRefund(managerAddr, 1, payerAddr); !errors.Is(err, ErrNoRefund) {
		t.Fatalf("expected ErrNoRefund, got %v", err)
	}
	if got := transferer.received(payerAddr); got.String() != "101" {
		t.Fatalf("payee balance changed on failed second withdraw: %s", got)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 50)

	if _, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusSuccess}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusFailed})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	pool, _ := ledger.ReleasablePool(1)
	if pool.String() != "50" {
		t.Fatalf("pool changed by rejected re-registration: %s", pool)
	}
	stored, err := ledger.Record(record.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if stored.Status != StatusSuccess {
		t.Fatalf("status changed by rejected re-registration: %s", stored.Status)
	}
}

func TestRegisterUnknownRecord(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)

	for _, id := range []uint64{0, 99} {
		_, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: id, Status: StatusSuccess})
		if !errors.Is(err, ErrRecordNotFound) {
			t.Fatalf("id %d: expected ErrRecordNotFound, got %v", id, err)
		}
	}
}

func TestRegisterUnexpectedStatusLeavesStateUntouched(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 80)

	for _, status := range []Status{StatusPending, Status(7)} {
		_, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: status})
		if !errors.Is(err, ErrUnexpectedStatus) {
			t.Fatalf("status %d: expected ErrUnexpectedStatus, got %v", status, err)
		}
	}
	stored, err := ledger.Record(record.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("record mutated: %s", stored.Status)
	}
	balance, _ := ledger.DepositBalance(1, payerAddr)
	if balance.String() != "80" {
		t.Fatalf("balance mutated: %s", balance)
	}
}

func TestRegisterRejectsWrongCaller(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 10)

	_, err := ledger.RegisterFulfillment(routerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusSuccess})
	if !errors.Is(err, ErrNotManager) {
		t.Fatalf("expected ErrNotManager, got %v", err)
	}
}

func TestRegisterUsesLiveFeeNotSnapshot(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 101)

	// Fee raised after the deposit: settlement math reads the live fee, so
	// the exact-amount deposit no longer covers amount + fee.
	addTestService(dir, 1, 1)

	_, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusSuccess})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if stored, _ := ledger.Record(record.ID); stored.Status != StatusPending {
		t.Fatalf("record should remain pending, got %s", stored.Status)
	}
}

func TestRegisterCoversFeeFromDepositBalance(t *testing.T) {
	ledger, dir, _ := newTestLedger(t)
	addTestService(dir, 1, 5)
	record := deposit(t, ledger, 1, 100)

	if _, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusSuccess}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// total = amount 100 + live fee 5
	pool, _ := ledger.ReleasablePool(1)
	if pool.String() != "105" {
		t.Fatalf("expected pool 105, got %s", pool)
	}
	_, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusSuccess})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestWithdrawRefundRestoresOnTransferFailure(t *testing.T) {
	ledger, dir, transferer := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 60)
	if _, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusFailed}); err != nil {
		t.Fatalf("register: %v", err)
	}

	transferer.failNext = true
	_, err := ledger.WithdrawRefund(managerAddr, 1, payerAddr)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	refund, _ := ledger.RefundBalance(1, payerAddr)
	if refund.String() != "60" {
		t.Fatalf("refund balance not restored: %s", refund)
	}

	if _, err := ledger.WithdrawRefund(managerAddr, 1, payerAddr); err != nil {
		t.Fatalf("retry withdraw: %v", err)
	}
	if got := transferer.received(payerAddr); got.String() != "60" {
		t.Fatalf("payer received %s", got)
	}
}

func TestConservationAcrossLifecycle(t *testing.T) {
	ledger, dir, transferer := newTestLedger(t)
	addTestService(dir, 1, 3)

	deposited := big.NewInt(0)
	paidOut := big.NewInt(0)

	checkConservation := func(step string) {
		t.Helper()
		balance, _ := ledger.DepositBalance(1, payerAddr)
		refund, _ := ledger.RefundBalance(1, payerAddr)
		pool, _ := ledger.ReleasablePool(1)
		sum := new(big.Int).Add(balance, refund)
		sum.Add(sum, pool)
		sum.Add(sum, paidOut)
		if sum.Cmp(deposited) != 0 {
			t.Fatalf("%s: conservation violated: %s + %s + %s + %s != %s",
				step, balance, refund, pool, paidOut, deposited)
		}
	}

	var records []*FulfillmentRecord
	for _, amount := range []int64{103, 53, 203, 13} {
		records = append(records, deposit(t, ledger, 1, amount))
		deposited.Add(deposited, big.NewInt(amount))
		checkConservation("deposit")
	}

	if _, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: records[0].ID, Status: StatusSuccess}); err != nil {
		t.Fatalf("register success: %v", err)
	}
	checkConservation("success")

	if _, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: records[1].ID, Status: StatusFailed}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	checkConservation("failure")

	refundPaid, err := ledger.WithdrawRefund(managerAddr, 1, payerAddr)
	if err != nil {
		t.Fatalf("withdraw refund: %v", err)
	}
	paidOut.Add(paidOut, refundPaid)
	checkConservation("refund withdrawal")

	released, err := ledger.BeneficiaryWithdraw(managerAddr, 1)
	if err != nil {
		t.Fatalf("beneficiary withdraw: %v", err)
	}
	paidOut.Add(paidOut, released)
	checkConservation("beneficiary withdrawal")

	if got := transferer.received(beneficiaryAddr); got.Cmp(released) != 0 {
		t.Fatalf("beneficiary received %s, released %s", got, released)
	}
}

func TestBeneficiaryWithdrawReadsDirectoryFresh(t *testing.T) {
	ledger, dir, transferer := newTestLedger(t)
	addTestService(dir, 1, 0)
	record := deposit(t, ledger, 1, 40)
	if _, err := ledger.RegisterFulfillment(managerAddr, 1, &FulfillmentResult{ID: record.ID, Status: StatusSuccess}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rotated := testAddr(0x77)
	dir.put(&registry.Service{ServiceID: 1, Beneficiary: rotated, FeeAmount: big.NewInt(0), Fulfiller: fulfillerAddr})

	if _, err := ledger.BeneficiaryWithdraw(managerAddr, 1); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := transferer.received(rotated); got.String() != "40" {
		t.Fatalf("rotated beneficiary received %s", got)
	}
	if got := transferer.received(beneficiaryAddr); got.Sign() != 0 {
		t.Fatalf("old beneficiary received %s", got)
	}
}

func TestSettersRejectZeroAndNonOwner(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	if err := ledger.SetManager(managerAddr, testAddr(0x99)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := ledger.SetManager(ownerAddr, [20]byte{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := ledger.SetRouter(ownerAddr, [20]byte{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := ledger.SetRegistry(ownerAddr, nil); !errors.Is(err, ErrNilDirectory) {
		t.Fatalf("expected ErrNilDirectory, got %v", err)
	}
}
