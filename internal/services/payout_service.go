package services

import (
	"encoding/xml"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/figpoint/backend/internal/models"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

const payoutBIC = "FIGPOINT"

// PayoutService builds ISO 20022 credit transfer messages for approved
// bank withdrawals and hands them to the payment processor.
type PayoutService struct {
	audit *AuditLogger
}

func NewPayoutService(audit *AuditLogger) *PayoutService {
	return &PayoutService{audit: audit}
}

// BankDetails is the subset of withdrawal metadata the processor needs.
type BankDetails struct {
	AccountName   string
	AccountNumber string
	BankCode      string
}

// CreatePacs008 builds a pacs.008 FIToFICustomerCreditTransfer for a
// completed withdrawal.
func (p *PayoutService) CreatePacs008(wd *models.Transaction, bank BankDetails) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	if bank.AccountNumber == "" || bank.BankCode == "" {
		return nil, fmt.Errorf("%w: bank details are incomplete", models.ErrInvalidInput)
	}

	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()
	// Withdrawal rows carry negative amounts; the transfer is for the
	// magnitude.
	amount := float64(wd.AmountCents) / 100
	if amount < 0 {
		amount = -amount
	}
	txId := strconv.FormatInt(wd.ID, 10)

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(wd.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(txId)}[0],
					EndToEndId: common.Max35Text(wd.ReferenceID),
					TxId:       &[]common.Max35Text{common.Max35Text(txId)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(wd.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(payoutBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(payoutBIC)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(bank.BankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(bank.AccountName)}[0],
					Id: &pacs_v08.Party38Choice{
						PrvtId: pacs_v08.PersonIdentification13{
							Othr: []pacs_v08.GenericPersonIdentification1{
								{Id: common.Max35Text(bank.AccountNumber)},
							},
						},
					},
				},
			},
		},
	}

	return doc, nil
}

// SendToProcessor serializes the message and forwards it. Delivery is
// best effort; a failed send is logged and retried by the operator, the
// withdrawal itself has already settled in the ledger.
func (p *PayoutService) SendToProcessor(wd *models.Transaction, doc *pacs_v08.FIToFICustomerCreditTransferV08) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		p.audit.LogError(wd.UserID, "payout_serialize", err)
		return fmt.Errorf("failed to marshal pacs.008: %w", err)
	}

	// TODO: replace the log sink with the processor's SFTP drop once
	// credentials are provisioned.
	log.Printf("[PAYOUT] pacs.008 for withdrawal %d:\n%s%s", wd.ID, xml.Header, string(xmlData))
	p.audit.LogLedger(wd.ID, wd.UserID, "payout_dispatched", wd.PointsAmount, wd.AmountCents, "sent")
	return nil
}
