package common

import (
	"bytes"
	"encoding/xml"
	"errors"
)

const soapEnvNamespace = "http://schemas.xmlsoap.org/soap/envelope/"

/*
WrapError wraps an error message in a transport-specific envelope: for
the SOAP transport the message becomes the faultstring of a standard
server fault, any other transport gets the message back unchanged.

The function is total. It runs on the already-failed path and must
never fail itself.
*/
func WrapError(urlType URLType, msg string) []byte {
	if urlType == URLTypeSOAP {
		return soapFault(msg)
	}
	return []byte(msg)
}

func soapFault(msg string) []byte {
	var buf bytes.Buffer
	buf.WriteString("<soap:Envelope xmlns:soap='")
	buf.WriteString(soapEnvNamespace)
	buf.WriteString("'><soap:Body><soap:Fault><faultcode>soap:Server</faultcode><faultstring>")
	// Writes to a bytes.Buffer cannot fail, so neither can EscapeText.
	_ = xml.EscapeText(&buf, []byte(msg))
	buf.WriteString("</faultstring></soap:Fault></soap:Body></soap:Envelope>")
	return buf.Bytes()
}

type faultEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    struct {
		Fault struct {
			Code   string `xml:"faultcode"`
			String string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// UnwrapFault extracts the faultstring from a SOAP fault envelope
// produced by WrapError.
func UnwrapFault(envelope []byte) (string, error) {
	var env faultEnvelope
	if err := xml.Unmarshal(envelope, &env); err != nil {
		return "", err
	}
	if env.Body.Fault.Code == "" {
		return "", errors.New("no fault element in envelope")
	}
	return env.Body.Fault.String, nil
}
