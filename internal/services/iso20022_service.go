package services

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/shopspring/decimal"

	"github.com/ruralpay/cardengine/internal/models"
)

const (
	MessageTypePacs008 = "pacs.008.001.08"
	MessageTypePacs002 = "pacs.002.001.08"
)

// ISO20022Service renders settlement batches as interbank messages.
type ISO20022Service struct {
	issuerBIC string
	now       func() time.Time
}

func NewISO20022Service(issuerBIC string) *ISO20022Service {
	if issuerBIC == "" {
		issuerBIC = "RURALPAY"
	}
	return &ISO20022Service{issuerBIC: issuerBIC, now: time.Now}
}

func max35(s string) *common.Max35Text {
	v := common.Max35Text(s)
	return &v
}

func max140(s string) *common.Max140Text {
	v := common.Max140Text(s)
	return &v
}

func setText[T ~string](dst *T, s string) {
	*dst = T(s)
}

// majorUnits converts minor units to the decimal amount the message carries.
func majorUnits(amount int64) float64 {
	return decimal.New(amount, -2).InexactFloat64()
}

// CreatePacs008 builds one credit transfer per merchant owed money by the batch.
func (iso *ISO20022Service) CreatePacs008(batch *models.SettlementBatch) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgID := batch.MessageID
	if msgID == "" {
		msgID = uuid.New().String()
	}
	creDtTm := iso.now().UTC()
	settlementDate := batch.Cutoff.UTC()
	ccy := common.ActiveCurrencyCode(batch.Currency)

	var (
		entries []pacs_v08.CreditTransferTransaction39
		total   int64
	)
	for _, m := range batch.Merchants {
		if m.Net <= 0 {
			continue
		}
		total += m.Net
		txID := fmt.Sprintf("%s-%d", batch.BatchNumber, len(entries)+1)
		entries = append(entries, pacs_v08.CreditTransferTransaction39{
			PmtId: pacs_v08.PaymentIdentification7{
				InstrId:    max35(txID),
				EndToEndId: common.Max35Text(txID),
				TxId:       max35(txID),
			},
			IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   ccy,
				Value: majorUnits(m.Net),
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			ChrgBr:        "SLEV",
			DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(iso.issuerBIC)}[0],
				},
			},
			Dbtr: pacs_v08.PartyIdentification135{
				Nm: max140("card float " + batch.Currency),
			},
			CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
						MmbId: common.Max35Text(m.MerchantID),
					},
				},
			},
			Cdtr: pacs_v08.PartyIdentification135{
				Nm: max140(m.MerchantID),
			},
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: batch %s owes no merchant", ErrNothingToSettle, batch.BatchNumber)
	}

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(creDtTm),
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   ccy,
				Value: majorUnits(total),
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: entries,
	}
	setText(&doc.GrpHdr.NbOfTxs, strconv.Itoa(len(entries)))
	return doc, nil
}

// CreatePacs002 reports a status for every transfer in the batch's pacs.008.
func (iso *ISO20022Service) CreatePacs002(batch *models.SettlementBatch, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(iso.now().UTC()),
		},
	}
	n := 0
	for _, m := range batch.Merchants {
		if m.Net <= 0 {
			continue
		}
		n++
		txID := fmt.Sprintf("%s-%d", batch.BatchNumber, n)
		doc.TxInfAndSts = append(doc.TxInfAndSts, pacs_v08.PaymentTransaction80{
			OrgnlInstrId:    max35(txID),
			OrgnlEndToEndId: max35(txID),
			OrgnlTxId:       max35(txID),
			TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0], // ACCP, RJCT, ACSC
		})
	}
	return doc, nil
}

// ConvertToXML converts ISO20022 document to XML string
func (iso *ISO20022Service) ConvertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
