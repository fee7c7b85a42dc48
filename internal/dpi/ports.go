package dpi

// wellKnownPorts maps transport ports to application protocol labels for
// stack enrichment when the capture tool reports only the L4 event.
var wellKnownPorts = map[int]string{
	20:    "FTP-DATA",
	21:    "FTP",
	22:    "SSH",
	23:    "TELNET",
	25:    "SMTP",
	53:    "DNS",
	67:    "DHCP",
	68:    "DHCP",
	69:    "TFTP",
	80:    "HTTP",
	110:   "POP3",
	123:   "NTP",
	143:   "IMAP",
	161:   "SNMP",
	162:   "SNMP",
	389:   "LDAP",
	443:   "HTTPS",
	445:   "SMB",
	465:   "SMTPS",
	514:   "SYSLOG",
	587:   "SMTP",
	636:   "LDAPS",
	993:   "IMAPS",
	995:   "POP3S",
	1433:  "MSSQL",
	1521:  "ORACLE",
	3306:  "MYSQL",
	3389:  "RDP",
	5432:  "POSTGRESQL",
	5900:  "VNC",
	6379:  "REDIS",
	8080:  "HTTP-ALT",
	8443:  "HTTPS-ALT",
	9200:  "ELASTICSEARCH",
	27017: "MONGODB",
}

// appProtocol resolves the application protocol for a port pair, preferring
// the server side.
func appProtocol(srcPort, dstPort int) (string, bool) {
	if name, ok := wellKnownPorts[dstPort]; ok {
		return name, true
	}
	if name, ok := wellKnownPorts[srcPort]; ok {
		return name, true
	}
	return "", false
}
